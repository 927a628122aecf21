package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dledger/config"
	"dledger/coordinator"
)

func main() {
	id := flag.String("id", "coordinator", "coordinator id")
	port := flag.Int("port", config.DefaultCoordinatorPort, "listen port")
	dataDir := flag.String("data", "data", "snapshot directory")
	compensate := flag.Bool("compensate", false, "credit the sender back when the receiver-side execute fails")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	c, err := coordinator.New(*id, *dataDir, config.DefaultTiming())
	if err != nil {
		log.Fatalf("coordinator init: %v", err)
	}
	c.Compensate2PC = *compensate
	defer c.Close()

	if err := c.Start(":" + strconv.Itoa(*port)); err != nil {
		log.Fatalf("coordinator start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}
