// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command motorlinkd is the host-side daemon for one motor-control device
// link: it owns a serial port, runs the endpoint engine over it, exposes
// Prometheus metrics, and publishes lifecycle events to Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/endpoint"
	"code.motorlink.dev/motorlink/internal/telemetry"
	"code.motorlink.dev/motorlink/transport"
	"code.motorlink.dev/motorlink/transport/serialtransport"
)

var (
	serialDevice  = flag.String("serial", "/dev/ttyUSB0", "Serial device path to the motor controller")
	baudRate      = flag.Int("baud", 115200, "Serial baud rate")
	mtu           = flag.Int("mtu", endpoint.DefaultMTU, "Maximum payload+header size per frame")
	redisAddr     = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass     = flag.String("redis-pass", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
	redisChannel  = flag.String("redis-channel", "motorlink:link", "Redis pub/sub channel for lifecycle events")
	metricsListen = flag.String("metrics-listen", ":9440", "Address to serve Prometheus metrics on")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("starting motorlinkd")
	log.Printf("serial device: %s, baud: %d, mtu: %d", *serialDevice, *baudRate, *mtu)
	log.Printf("redis address: %s, channel: %s", *redisAddr, *redisChannel)

	publisher, err := telemetry.NewPublisher(*redisAddr, *redisPass, *redisDB, *redisChannel)
	if err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	defer publisher.Close()
	log.Printf("connected to redis")

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	port, err := serialtransport.Open(*serialDevice, &serial.Mode{BaudRate: *baudRate}, log.Default())
	if err != nil {
		log.Fatalf("open serial device %s: %v", *serialDevice, err)
	}
	defer port.Close()
	log.Printf("opened serial device %s", *serialDevice)

	packetSource, packetSink := transport.NewStream(port.Source, port.Sink)
	ep := endpoint.New(packetSource, packetSink,
		endpoint.WithMTU(*mtu),
		endpoint.WithLogger(log.Default()),
		endpoint.WithMetrics(metrics),
	)

	stoppedCh := make(chan async.Result, 1)
	if err := ep.Start(func(r async.Result) { stoppedCh <- r }); err != nil {
		log.Fatalf("start endpoint engine: %v", err)
	}
	if err := publisher.PublishLinkStarted(*serialDevice); err != nil {
		log.Printf("warning: publish link-started event: %v", err)
	}
	log.Printf("endpoint engine running")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		srv := &http.Server{Addr: *metricsListen, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		go func() {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Printf("serving metrics on %s", *metricsListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		select {
		case r := <-stoppedCh:
			cause := "none"
			if r.Err != nil {
				cause = r.Err.Error()
			}
			log.Printf("endpoint engine stopped: status=%s cause=%s", r.Status, cause)
			if err := publisher.PublishLinkStopped(r.Status.String(), r.Err); err != nil {
				log.Printf("warning: publish link-stopped event: %v", err)
			}
			return fmt.Errorf("endpoint engine stopped: %s", r.Status)
		case <-gctx.Done():
			return nil
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case <-gctx.Done():
		log.Printf("shutting down after engine stop")
	}

	ep.Close()
	cancel()
	if err := group.Wait(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("motorlinkd stopped")
}
