package cmd

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/multierr"

	"mcpcan/config"
	"mcpcan/firmware"
	"mcpcan/host/bridge"
	"mcpcan/host/periphspi"
	"mcpcan/mcp2515"
	"mcpcan/sim"
)

// session is an initialized Device on the configured backend.
type session struct {
	dev  *mcp2515.Device
	link *bridge.Link // nil on the periph backend

	// transportErr reports why the last hook call failed.
	transportErr func() error
	closers      []func() error
}

func openSession() (*session, error) {
	s := &session{}
	var err error
	switch cfg.Backend {
	case config.BackendBridge:
		err = s.openBridge()
	case config.BackendPeriph:
		err = s.openPeriph()
	case config.BackendSim:
		err = s.openSim()
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, multierr.Combine(err, s.Close())
	}
	return s, nil
}

func (s *session) openBridge() error {
	link, err := bridge.Open(cfg.SerialPort(), log.Named("bridge"))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, link.Close)
	return s.attachLink(link, cfg.BridgeDevice())
}

// openSim serves the bridge firmware on a simulated board and talks to it
// over an in-memory pipe, so the sim backend runs the same code path as a
// real bridge.
func (s *session) openSim() error {
	chip := sim.NewChip()
	board := sim.NewBoard(chip, sim.DefaultPins)
	fw, err := firmware.New(firmware.Config{SPI: board, GPIO: board, Logger: log.Named("firmware")})
	if err != nil {
		return err
	}

	hostEnd, fwEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Serve(ctx, fwEnd) }()
	s.closers = append(s.closers, func() error {
		cancel()
		return <-done
	})

	link := bridge.Connect(hostEnd, log.Named("bridge"))
	s.closers = append(s.closers, link.Close)

	dev := cfg.BridgeDevice()
	dev.CSPin = uint32(sim.DefaultPins.CS)
	dev.ResetPin = uint32(sim.DefaultPins.Reset)
	dev.IntPin = uint32(sim.DefaultPins.Int)
	dev.NoCS, dev.NoReset, dev.NoInt = false, false, false
	dev.Bus = 0
	return s.attachLink(link, dev)
}

func (s *session) attachLink(link *bridge.Link, dev bridge.DeviceConfig) error {
	link.SetTimeout(cfg.CommandTimeout())
	if err := link.RetrieveDictionary(); err != nil {
		return err
	}
	if err := link.Configure(dev); err != nil {
		return err
	}

	spi := link.SPI(dev)
	s.link = link
	s.transportErr = spi.Err
	s.dev = mcp2515.NewWithTransport(spi)
	if err := s.dev.Initialize(s.interrupt); err != nil {
		return err
	}
	if !dev.NoInt {
		link.OnInterrupt(dev.IntOID, s.dev.Interrupt)
	}
	return nil
}

func (s *session) openPeriph() error {
	t, err := periphspi.Open(cfg.LinuxSPI(), log.Named("periph"))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, t.Close)
	s.transportErr = t.Err

	s.dev = mcp2515.NewWithTransport(t)
	if err := s.dev.Initialize(s.interrupt); err != nil {
		return err
	}
	if cfg.Linux.IntPin != "" {
		if err := t.WatchInterrupt(s.dev.Interrupt); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) interrupt() {
	log.Infow("INT asserted")
}

// wrap adds the transport's reason to an encoder error.
func (s *session) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.transportErr != nil {
		if terr := s.transportErr(); terr != nil {
			return fmt.Errorf("%s: %w (%v)", op, err, terr)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close releases backend resources in reverse order.
func (s *session) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

// withSession opens a session, runs fn and closes it.
func withSession(fn func(s *session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	return multierr.Append(fn(s), s.Close())
}
