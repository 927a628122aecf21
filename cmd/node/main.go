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
	"dledger/node"
	"dledger/protocol"
)

func main() {
	id := flag.String("id", "", "replica id (backups carry the 'b' suffix, e.g. a1b)")
	role := flag.String("role", "primary", "initial role: primary or backup")
	port := flag.Int("port", 0, "listen port (0 picks a free one)")
	coordinatorAddr := flag.String("coordinator", fmt.Sprintf("localhost:%d", config.DefaultCoordinatorPort), "coordinator address")
	dataDir := flag.String("data", "data", "snapshot directory")
	flag.Parse()

	if *id == "" {
		log.Fatal("-id is required")
	}
	r := protocol.Role(*role)
	if r != protocol.RolePrimary && r != protocol.RoleBackup {
		log.Fatalf("invalid role %q", *role)
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	n, err := node.New(*id, r, *dataDir, *coordinatorAddr, config.DefaultTiming())
	if err != nil {
		log.Fatalf("replica init: %v", err)
	}
	defer n.Close()

	if err := n.Start(":" + strconv.Itoa(*port)); err != nil {
		log.Fatalf("replica start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}
