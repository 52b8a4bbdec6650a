// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// startManagementServer serves /metrics and /status on addr. Returns
// the listener so the caller can shut it down (and tests can learn
// the bound port).
func startManagementServer(addr string, logger logrus.FieldLogger, reg *prometheus.Registry, status func() RunnerStatus) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	router := httprouter.New()
	router.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: promErrorLogger{logger},
	}))
	router.HandlerFunc("GET", "/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})
	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			logger.WithError(err).Warn("management server stopped")
		}
	}()
	logger.Infof("management server listening at %s", ln.Addr())
	return ln, nil
}

type promErrorLogger struct {
	logrus.FieldLogger
}

func (l promErrorLogger) Println(v ...interface{}) {
	l.Errorln(v...)
}
