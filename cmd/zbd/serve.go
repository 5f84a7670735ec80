// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"nichts.build/store/internal/jsonrpc"
	"nichts.build/store/internal/uuid8"
	"nichts.build/store/internal/xnet"
	"nichts.build/store/store"
	"nichts.build/store/storeerr"
)

func newServeCommand(g *daemonConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "run the store-session daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *daemonConfig) error {
	if err := os.MkdirAll(g.Directory, 0o755|os.ModeSticky); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.Socket), 0o755); err != nil {
		return err
	}

	srv, err := store.Open(ctx, g.Directory, g.Algorithm, g.TotalRAM)
	if err != nil {
		return fmt.Errorf("zbd: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(ctx, "store scheduler stopped: %v", err)
		}
	}()
	defer wg.Wait()

	l, err := storeListener(g.Socket)
	if err != nil {
		return err
	}
	defer l.Close()

	instanceID := uuid8.FromBytes([]byte(g.Socket))
	admin := &adminServer{store: srv, instanceID: instanceID.String(), socket: g.Socket}
	var adminListener net.Listener
	if g.AdminAddr != "" {
		adminListener, err = net.Listen("tcp", g.AdminAddr)
		if err != nil {
			return fmt.Errorf("zbd: listen admin: %w", err)
		}
		defer adminListener.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := localOnlyMiddleware{handler: handlers.CombinedLoggingHandler(os.Stderr, admin)}
			httpSrv := &http.Server{Handler: h, BaseContext: func(net.Listener) context.Context { return ctx }}
			go func() {
				<-ctx.Done()
				httpSrv.Close()
			}()
			if err := httpSrv.Serve(adminListener); err != nil && ctx.Err() == nil {
				log.Errorf(ctx, "admin endpoint stopped: %v", err)
			}
		}()
		log.Infof(ctx, "Serving admin status on %s", g.AdminAddr)
	}

	log.Infof(ctx, "Listening on %s (instance %s)", g.Socket, instanceID)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf(ctx, "sd_notify: %v", err)
	} else if ok {
		log.Debugf(ctx, "notified systemd readiness")
	}

	rpcHandler := &storeServer{store: srv}
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := jsonrpc.Serve(ctx, newCodec(conn), rpcHandler); err != nil && ctx.Err() == nil {
				log.Debugf(ctx, "jsonrpc connection closed: %v", err)
			}
		}()
	}
}

// storeListener returns the first listener provided by systemd socket
// activation if one is available (so zbd can be started under a .socket
// unit and hand off the already-bound file descriptor), or else binds a
// fresh Unix domain socket at path, removing any stale socket file left
// behind by a previous, uncleanly terminated daemon.
func storeListener(path string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 && listeners[0] != nil {
		return listeners[0], nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// storeServer dispatches store-session JSON-RPC requests to methods on
// [store.Server], mirroring the teacher's storeServer.JSONRPC pattern in
// cmd/zb/serve.go (a per-connection handler backed by a
// [jsonrpc.ServeMux]).
type storeServer struct {
	store *store.Server
}

func (s *storeServer) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.ServeMux{
		"valid":       jsonrpc.HandlerFunc(s.valid),
		"dereference": jsonrpc.HandlerFunc(s.dereference),
		"realize":     jsonrpc.HandlerFunc(s.realize),
		"export":      jsonrpc.HandlerFunc(s.export),
		"import":      jsonrpc.HandlerFunc(s.importRequest),
	}.JSONRPC(ctx, req)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *storeServer) valid(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args nameRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	result, err := json.Marshal(s.store.Valid(args.Name))
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

func (s *storeServer) dereference(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args nameRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	result, err := json.Marshal(s.store.Dereference(args.Name))
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

func (s *storeServer) realize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args nameRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	done, err := s.store.Realize(ctx, args.Name)
	if err != nil {
		return nil, storeerr.ToRPC(err)
	}
	select {
	case buildErr := <-done:
		if buildErr != nil {
			return nil, storeerr.ToRPC(buildErr)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	result, err := json.Marshal(args.Name)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

type exportRequest struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

func (s *storeServer) export(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args nameRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	var buf bytes.Buffer
	if err := s.store.Export(ctx, &buf, args.Name); err != nil {
		return nil, storeerr.ToRPC(err)
	}
	result, err := json.Marshal(exportRequest{Name: args.Name, Data: buf.Bytes()})
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

func (s *storeServer) importRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args exportRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	buf := bytes.NewReader(args.Data)
	name, err := s.store.Import(ctx, buf)
	if err != nil {
		return nil, storeerr.ToRPC(err)
	}
	result, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

// adminServer serves a small JSON status endpoint reporting the
// scheduler's current queue depth, intended for localhost-only
// monitoring (see localOnlyMiddleware), in the spirit of the teacher's
// web UI server (cmd/zb/serve_ui.go) but reporting daemon health instead
// of rendering build history pages.
type adminServer struct {
	store      *store.Server
	instanceID string
	socket     string
}

func (a *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/status" {
		http.NotFound(w, r)
		return
	}
	status := struct {
		InstanceID string `json:"instanceId"`
		Socket     string `json:"socket"`
		QueueDepth int    `json:"queueDepth"`
	}{
		InstanceID: a.instanceID,
		Socket:     a.socket,
		QueueDepth: a.store.QueueDepth(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// localOnlyMiddleware rejects any request not originating from the local
// machine, mirroring cmd/zb/serve_ui.go's identically named type in the
// teacher repo.
type localOnlyMiddleware struct {
	handler http.Handler
}

func (m localOnlyMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !xnet.IsLocalhost(r) {
		http.Error(w, "Only localhost connections permitted.", http.StatusForbidden)
		return
	}
	m.handler.ServeHTTP(w, r)
}
