package main // program entry point

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/raftkv/internal/supervisor"
)

func main() {
	host := flag.String("host", "127.0.0.1", "host every node in the cluster binds to")
	portsFlag := flag.String("ports", "9000,9001,9002", "comma-separated list of node ports (peer channel; client channel is port+100)")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	ports, err := parsePorts(*portsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -ports: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	sup := supervisor.New(*host, logrus.NewEntry(logger))

	logger.WithField("ports", ports).Info("starting cluster")
	handles, err := sup.StartCluster(ports)
	if err != nil {
		logger.WithError(err).Fatal("failed to start cluster")
	}
	for _, h := range handles {
		logger.WithField("node", h.ID).WithField("addr", h.Addr).Info("node running")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutdown signal received, stopping cluster")
	sup.StopAll()
	logger.Info("all nodes stopped")
}

func parsePorts(raw string) ([]int, error) {
	fields := strings.Split(raw, ",")
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports given")
	}
	return ports, nil
}
