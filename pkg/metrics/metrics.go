// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics holds the process-wide counters of both diode sides and
// serves them as a Prometheus scrape endpoint. Counters are append-only and
// registered once at process start; the sender only ever touches tx_*, the
// receiver rx_*.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

var (
	TxSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_sessions", Help: "TCP sessions accepted by the sender."})
	TxTCPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_tcp_bytes", Help: "Payload bytes read from TCP clients."})
	TxEncodingBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_encoding_blocks", Help: "Blocks sealed and encoded."})
	TxEncodingBlocksErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_encoding_blocks_err", Help: "Blocks that failed to encode."})
	TxUDPPkts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_udp_pkts", Help: "UDP datagrams transmitted."})
	TxUDPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_udp_bytes", Help: "UDP payload bytes transmitted."})
	TxUDPPktsErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_udp_pkts_err", Help: "UDP datagrams dropped on send errors."})

	RxSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_sessions", Help: "Sessions opened on the receiver."})
	RxTCPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_tcp_bytes", Help: "Payload bytes written to the downstream TCP endpoint."})
	RxDecodingBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_decoding_blocks", Help: "Blocks decoded successfully."})
	RxDecodingBlocksErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_decoding_blocks_err", Help: "Blocks abandoned after a decode failure."})
	RxUDPPkts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_udp_pkts", Help: "UDP datagrams received."})
	RxUDPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_udp_bytes", Help: "UDP payload bytes received."})
	RxUDPPktsErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_udp_pkts_err", Help: "UDP datagrams dropped: receive error, malformed, version mismatch, inconsistent with the configuration or over the session limit."})
)

// Serve exposes the registry on listenAddress under /metrics. It returns
// after starting the HTTP server in the background; serving errors are
// logged, not returned, as the scrape endpoint is never load-bearing.
func Serve(listenAddress string) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         listenAddress,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{
				"listen": listenAddress,
				"error":  err,
			}).Warn("Metrics endpoint failed")
		}
	}()

	log.WithFields(log.Fields{
		"listen": listenAddress,
	}).Info("Serving metrics")
}
