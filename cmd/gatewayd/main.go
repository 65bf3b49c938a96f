// Command gatewayd runs the DICOMweb-to-DIMSE gateway: an HTTP surface
// implementing QIDO-RS/WADO-RS/STOW-RS plus one or more DIMSE store-SCP
// listeners, wired together from a single configuration document.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dicomnet/gateway/adapter"
	"github.com/dicomnet/gateway/config"
	"github.com/dicomnet/gateway/dimse"
	"github.com/dicomnet/gateway/httpapi"
	"github.com/dicomnet/gateway/mediator"
	"github.com/dicomnet/gateway/pool"
	"github.com/dicomnet/gateway/server"
	"github.com/dicomnet/gateway/services"
	"github.com/dicomnet/gateway/storescp"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "DICOMweb-to-DIMSE gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	return cmd
}

func run(parentCtx context.Context, configPath string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	logger := config.NewLogger(doc.Telemetry)
	slog.SetDefault(logger)

	signalCtx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(doc, logger)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	// Store-SCP listeners get their own cancellation, independent of the
	// signal context: they must keep accepting sub-operation C-STORE-RQs
	// for any move subscription still draining while the HTTP surface
	// winds down, and are only stopped once that has finished.
	listenerCtx, stopListeners := context.WithCancel(context.Background())
	defer stopListeners()

	var wg sync.WaitGroup
	errs := make(chan error, 1+len(doc.Server.DIMSE))

	for _, listener := range doc.Server.DIMSE {
		listener := listener
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runDIMSEListener(listenerCtx, listener, app, logger); err != nil {
				errs <- fmt.Errorf("dimse listener %s: %w", listener.AETitle, err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", doc.Server.HTTP.Interface, doc.Server.HTTP.Port),
		Handler: httpapi.Router(app.httpRegistry, doc.Server.HTTP.RequestTimeout(), doc.Server.HTTP.MaxUploadSizeByte, logger),
	}
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		logger.Info("HTTP surface listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("fatal listener error, shutting down", "error", err)
		cancel()
	}

	// Stop accepting new HTTP requests and let whatever is in flight
	// finish — including a streamed WADO-RS response still waiting on
	// sub-operations the store-SCP listeners are delivering — before
	// touching anything those requests depend on.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), doc.Server.HTTP.RequestTimeout())
	if doc.Server.HTTP.GracefulShutdown {
		_ = httpServer.Shutdown(shutdownCtx)
	} else {
		_ = httpServer.Close()
	}
	shutdownCancel()
	<-httpDone

	// Every association a request was using has by now been released or
	// aborted by its own goroutine; this sends A-RELEASE-RQ on whatever
	// pooled associations are left idle and aborts any that are not.
	app.closePools()

	// Safe to stop the store-SCP listeners last: every move subscription
	// they could have been feeding finished when the HTTP handler above
	// returned, so no sub-operation can arrive looking for one.
	stopListeners()

	wg.Wait()
	return nil
}

// app holds every per-AET service constructed at startup: the pool, the
// move mediator, and the DICOMweb backend registry. One app is shared by
// the HTTP surface and every DIMSE listener.
type app struct {
	pools        map[string]*pool.Pool
	mediator     *mediator.Mediator
	httpRegistry *httpapi.Registry
}

func (a *app) closePools() {
	for _, p := range a.pools {
		p.Close()
	}
}

func buildApp(doc *config.Document, logger *slog.Logger) (*app, error) {
	a := &app{
		pools:        make(map[string]*pool.Pool),
		httpRegistry: httpapi.NewRegistry(),
	}

	var aetConfigs []mediator.AETConfig
	for _, aet := range doc.AETs {
		if aet.Backend != config.BackendDimse {
			a.httpRegistry.Register(aet.AETitle, httpapi.Backends{})
			continue
		}
		mode := mediator.Concurrent
		if aet.Wado.Mode == config.RetrieveModeSequential {
			mode = mediator.Sequential
		}
		aetConfigs = append(aetConfigs, mediator.AETConfig{AETitle: aet.AETitle, Mode: mode})
	}

	stallTimeout := 2 * time.Minute
	a.mediator = mediator.New(aetConfigs, stallTimeout, logger)

	for _, aet := range doc.AETs {
		if aet.Backend != config.BackendDimse {
			continue
		}

		p := pool.New(pool.Config{
			AETitle:          aet.AETitle,
			Address:          aet.Address(),
			CallingAETitle:   doc.Server.AETitle,
			AbstractSyntaxes: storageAbstractSyntaxes,
			Size:             aet.Pool.Size,
			AcquireTimeout:   aet.Pool.Timeout(),
		}, logger)
		a.pools[aet.AETitle] = p

		var moveDestination string
		if len(aet.Wado.Receivers) > 0 {
			moveDestination = aet.Wado.Receivers[0]
		} else {
			moveDestination = doc.Server.AETitle
		}

		a.httpRegistry.Register(aet.AETitle, httpapi.Backends{
			Search:   adapter.NewSearchBackend(aet.AETitle, p, logger),
			Retrieve: adapter.NewRetrieveBackend(aet.AETitle, p, a.mediator, moveDestination, doc.Server.AETitle, logger),
			Store:    adapter.NewStoreBackend(aet.AETitle, p, logger),
			Health:   adapter.NewHealthChecker(aet.AETitle, p, logger),
		})
	}

	return a, nil
}

// storageAbstractSyntaxes lists the SOP classes a pooled association
// proposes in addition to the Verification SOP Class the pool itself
// always adds. Study Root Find/Move cover QIDO-RS/WADO-RS; the common
// storage SOP classes cover STOW-RS.
var storageAbstractSyntaxes = []string{
	"1.2.840.10008.5.1.4.1.2.2.1", // Study Root Query/Retrieve Information Model - FIND
	"1.2.840.10008.5.1.4.1.2.2.2", // Study Root Query/Retrieve Information Model - MOVE
	"1.2.840.10008.5.1.4.1.1.7",   // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.2",   // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",   // MR Image Storage
}

func runDIMSEListener(ctx context.Context, listener config.DIMSEListener, a *app, logger *slog.Logger) error {
	registry := services.NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(dimse.CStoreRQ, storescp.New(listener.AETitle, a.mediator, logger))

	var opts []server.Option
	opts = append(opts, server.WithLogger(logger), server.WithNotifyAETitles(listener.NotifyAETitles))
	if !listener.UncompressedOnly {
		opts = append(opts, server.WithBroadTransferSyntaxes())
	}

	tcpListener, err := net.Listen("tcp", listener.Address())
	if err != nil {
		return err
	}
	defer tcpListener.Close()

	srv := server.New(listener.AETitle, registry, opts...)
	logger.Info("DIMSE listener started", "aet", listener.AETitle, "addr", listener.Address())
	return srv.Serve(ctx, tcpListener)
}
