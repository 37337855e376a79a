// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilnet/veil/core/crypto"
	"github.com/veilnet/veil/core/rc"
	"github.com/veilnet/veil/path"
	"github.com/veilnet/veil/path/transit"
	"github.com/veilnet/veil/router"
	"github.com/veilnet/veil/router/config"
	"github.com/veilnet/veil/router/cstore"
)

func main() {
	cfgFile := flag.String("f", "veild.toml", "Path to the config file.")
	selfTest := flag.Bool("selftest", false, "Run the in-memory path build self test and exit.")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	if *selfTest {
		if err := runSelfTest(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Self test failed: %v\n", err)
			os.Exit(-1)
		}
		fmt.Println("Self test passed.")
		return
	}

	contacts, err := cstore.New(cfg.ContactsDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open contact store: %v\n", err)
		os.Exit(-1)
	}
	defer contacts.Close()

	r, err := router.New(cfg, &router.Options{Contacts: contacts})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn router instance: %v\n", err)
		os.Exit(-1)
	}
	defer r.Shutdown()

	// The transport driver is attached by the embedding layer; until one
	// is, the router only ages out state.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

// runSelfTest spins up four in-memory routers, builds a three hop path and
// round-trips a payload through it.
func runSelfTest(cfg *config.Config) error {
	net := router.NewMemNetwork()

	relayCfg := *cfg
	relayRouterCfg := *cfg.Router
	relayRouterCfg.AllowTransit = true
	relayCfg.Router = &relayRouterCfg

	var relays []*router.Router
	endpointData := make(chan []byte, 1)
	for i := 0; i < 3; i++ {
		r, err := router.New(&relayCfg, &router.Options{
			OnEndpointData: func(_ *transit.HopInfo, payload []byte) {
				endpointData <- append([]byte(nil), payload...)
			},
		})
		if err != nil {
			return err
		}
		defer r.Shutdown()
		net.Attach(r)
		relays = append(relays, r)
	}

	received := make(chan []byte, 1)
	initiator, err := router.New(cfg, &router.Options{
		OnPathData: func(_ *path.Path, payload []byte) {
			received <- append([]byte(nil), payload...)
		},
	})
	if err != nil {
		return err
	}
	defer initiator.Shutdown()
	net.Attach(initiator)

	built := make(chan error, 1)
	p, err := initiator.BuildPath([]*rc.RouterContact{relays[0].Contact(), relays[1].Contact(), relays[2].Contact()}, func(_ *path.Path, err error) {
		built <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-built:
		if err != nil {
			return err
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("build did not complete")
	}

	payload := []byte("veil self test payload")
	if err := p.EncryptAndSend(payload, initiator); err != nil {
		return err
	}
	select {
	case got := <-endpointData:
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("payload corrupted on the way upstream")
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("payload did not reach the terminus")
	}

	// Echo the payload back down the path.
	terminus := relays[2]
	pid := pathID(p)
	hops := terminus.PathContext().TransitTable().Lookup(pid)
	if len(hops) != 1 {
		return fmt.Errorf("terminus has %d transit hops, want 1", len(hops))
	}
	if err := hops[0].OriginateDownstream(payload, terminus); err != nil {
		return err
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("payload corrupted on the way downstream")
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("echo did not arrive")
	}
	return nil
}

func pathID(p *path.Path) *crypto.PathID {
	id := p.PathID()
	return &id
}
