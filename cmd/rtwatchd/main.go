package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rtwatch/internal/api"
	"github.com/banshee-data/rtwatch/internal/config"
	"github.com/banshee-data/rtwatch/internal/ctlport"
	"github.com/banshee-data/rtwatch/internal/db"
	"github.com/banshee-data/rtwatch/internal/framemux"
	"github.com/banshee-data/rtwatch/internal/fsutil"
	"github.com/banshee-data/rtwatch/internal/host"
	"github.com/banshee-data/rtwatch/internal/version"
	"github.com/banshee-data/rtwatch/internal/watcher"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	listen     = flag.String("listen", ":8080", "Listen address")
	dbPath     = flag.String("db", "rtwatch.db", "Path to the session catalog database")
	logDir     = flag.String("log-dir", "", "Directory for binary log files (overrides log_dir; empty keeps the config value)")
	port       = flag.String("port", "", "Serial port carrying the command protocol (disabled when empty)")
	baud       = flag.Int("baud", ctlport.DefaultBaudRate, "Serial baud rate")
	demo       = flag.Bool("demo", true, "Register and render the demo oscillator")
	grpcListen = flag.String("grpc-listen", framemux.DefaultGRPCAddr, "gRPC frame stream listen address (disabled when empty)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Print(version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyWatcherConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadWatcherConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *logDir != "" {
		cfg.LogDir = logDir
	}

	catalog, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer catalog.Close()

	muxOpts := framemux.DefaultOptions()
	muxOpts.SlotSize = frame.MaxFrameSize(cfg.GetBufferSize())
	muxOpts.SubscriberBuffer = cfg.GetSubscriberBuffer()
	frames := framemux.New(muxOpts)
	defer frames.Close()

	m := watcher.NewManager(cfg.ManagerOptions(fsutil.OSFileSystem{}, frames))
	defer m.Close()
	if dir := cfg.GetLogDir(); dir != "" {
		log.Printf("writing log files to %s", dir)
	} else {
		log.Print("log files disabled (no log_dir)")
	}

	var render host.RenderFunc
	if *demo {
		s, err := newSynth(m, cfg.GetSampleRate())
		if err != nil {
			log.Fatalf("failed to register demo variables: %v", err)
		}
		defer s.Close()
		render = s.render
	}

	h, err := host.New(m, host.Options{
		SampleRate: cfg.GetSampleRate(),
		BlockSize:  cfg.GetBlockSize(),
		MaxCatchUp: 8,
	}, render)
	if err != nil {
		log.Fatalf("failed to create host: %v", err)
	}

	responders := watcher.Responders{monitorRecorder{store: catalog, timeout: time.Second}}
	var ctl *ctlport.Port
	if *port != "" {
		ctl, err = ctlport.Open(*port, ctlport.PortOptions{BaudRate: *baud})
		if err != nil {
			log.Fatalf("failed to open control port: %v", err)
		}
		defer ctl.Close()
		responders = append(responders, ctl)
		log.Printf("serving commands on %s at %d baud", *port, *baud)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := frames.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("frame monitor failed: %v", err)
		}
		log.Print("frame monitor terminated")
	}()

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen for gRPC on %s: %v", *grpcListen, err)
		}
		gs := grpc.NewServer()
		framemux.RegisterGRPC(gs, frames)
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				<-ctx.Done()
				// streams only end with their clients, so do not wait for them
				gs.Stop()
			}()
			log.Printf("gRPC frame stream listening on %s", *grpcListen)
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC server failed: %v", err)
			}
			log.Print("gRPC routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("host failed: %v", err)
		}
		log.Print("host routine terminated")
	}()

	ack := watcher.NewAcknowledger(m, responders, catalog, cfg.GetAckTimeout())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ack.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("acknowledger failed: %v", err)
		}
		log.Printf("acknowledger terminated (%d late messages drained)", ack.Drain(context.Background()))
	}()

	if ctl != nil {
		interp := watcher.NewInterpreter(m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ctl.Serve(ctx, func(_ context.Context, line []byte) (any, error) {
				reply, err := interp.HandleJSON(line)
				if err != nil {
					return nil, err
				}
				return reply, nil
			})
			if err != nil && err != context.Canceled {
				log.Printf("control port failed: %v", err)
			}
			log.Print("control port routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(m, catalog).ServeMux()
		frames.AttachAdminRoutes(mux)
		catalog.AttachAdminRoutes(mux)
		debug := tsweb.Debugger(mux)
		debug.HandleFunc("host", "Render loop progress", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"version": version.Version,
				"host":    h.Stats(),
				"channel": m.ChannelStats(),
			})
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
