package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/reef-pi/watervend/controller/daemon"
	"github.com/reef-pi/watervend/controller/settings"
)

var Version = "dev"

func main() {
	configFile := flag.String("config", settings.DefaultPath, "Configuration file")
	envFile := flag.String("env", ".env", "File with secrets exported into the environment")
	version := flag.Bool("version", false, "Print version information")
	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Println("ERROR: failed to load", *envFile+":", err)
	}
	store, err := settings.Load(*configFile)
	if err != nil {
		log.Fatal("ERROR: failed to load configuration. Error:", err)
	}
	store.ApplyEnv()
	c := store.Config()

	closeLog, err := setupLogging(c.App)
	if err != nil {
		log.Println("ERROR: log file:", err)
	}
	defer closeLog()

	log.Println("watervend", Version, "machine", c.API.MachineID)
	d, err := daemon.New(c)
	if err != nil {
		log.Fatal("ERROR: failed to initialize daemon. Error:", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		log.Fatal("ERROR: failed to start daemon. Error:", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	s := <-ch
	log.Println("Received signal:", s, ". Shutting down")
	d.Stop()
}

// setupLogging tees the standard logger into the configured log file.
func setupLogging(a settings.App) (func(), error) {
	flags := log.LstdFlags
	if strings.EqualFold(a.LogLevel, "DEBUG") {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)
	if a.LogFile == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(a.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return func() {}, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() {
		log.SetOutput(os.Stdout)
		f.Close()
	}, nil
}
