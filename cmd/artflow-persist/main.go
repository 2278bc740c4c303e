package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"artflow-server/persist"
	"artflow-server/queue"
	"artflow-server/stores"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded")
	}

	q := queue.Get()
	if q == nil {
		logrus.Fatal("Persistence consumer requires a queue; set QUEUE_TYPE")
	}
	store := stores.Get()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signalC := make(chan os.Signal, 1)
		signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		<-signalC
		cancel()
	}()

	consumer := persist.New(q, store)
	if err := consumer.Run(ctx); err != nil {
		logrus.WithField("error", err).Fatal("Consumer stopped")
	}
	logrus.Info("Shutting down...")
}
