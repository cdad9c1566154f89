// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"log"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/jvolk/slitscan"
)

var (
	fFIFOPath      = flag.String("fifo", slitscan.DefaultFIFOPath, "Path of the ingest named pipe.")
	fLogPath       = flag.String("log", slitscan.DefaultLogPath, "Path of the append-only result log.")
	fListenAddr    = flag.String("listen", "", "Address:port for the callback listener (default 0.0.0.0:16667).")
	fCallbackAddr  = flag.String("callback", "", "Address:port advertised in CONNECT lines, if different from -listen.")
	fMaxConcurrent = flag.Int("max_concurrent", slitscan.DefaultMaxConcurrent, "Maximum number of in-flight candidates.")
	fTimeout       = flag.Duration("timeout", slitscan.DefaultTimeout, "Per-candidate admission deadline.")
)

func main() {
	flag.Parse()

	var opts []slitscan.Option
	opts = append(opts,
		slitscan.WithFIFOPath(*fFIFOPath),
		slitscan.WithLogPath(*fLogPath),
		slitscan.WithMaxConcurrent(*fMaxConcurrent),
		slitscan.WithTimeout(*fTimeout),
	)

	if *fListenAddr != "" {
		addr, err := netip.ParseAddrPort(*fListenAddr)
		if err != nil {
			log.Fatalf("bad -listen address %q: %v", *fListenAddr, err)
		}
		opts = append(opts, slitscan.WithListenAddr(addr))
	}
	if *fCallbackAddr != "" {
		addr, err := netip.ParseAddrPort(*fCallbackAddr)
		if err != nil {
			log.Fatalf("bad -callback address %q: %v", *fCallbackAddr, err)
		}
		opts = append(opts, slitscan.WithCallbackAddr(addr))
	}

	cfg, err := slitscan.NewConfig(opts...)
	if err != nil {
		log.Fatalf("NewConfig: %v", err)
	}

	engine, err := slitscan.NewEngine(cfg)
	if err != nil {
		log.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := engine.Run(ctx); err != nil {
		log.Fatalf("Run: %v", err)
	}
	log.Printf("exiting after %s", time.Since(start))
}
