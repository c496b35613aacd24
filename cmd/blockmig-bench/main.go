// Command blockmig-bench drives a full bulk/dirty migration of
// synthetic in-memory devices end to end: a sender Engine streams a
// blockdev.SimpleLayer across an in-process pipe to a receiver
// wire.Receiver while a background goroutine keeps rewriting the
// source devices, the same way a live guest would during a real
// migration. It exists so the engine's pipeline can be exercised and
// timed without a VM, a real disk, or a second host.
package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/gokvm/blockmig/blockdev"
	"github.com/gokvm/blockmig/blockmig"
	"github.com/gokvm/blockmig/clock"
	"github.com/gokvm/blockmig/ratelimit"
	"github.com/gokvm/blockmig/wire"
)

// CLI is the kong command surface for this binary. There is only one
// command, so unlike flag/runs.go's BootCMD/ProbeCMD split, its fields
// are parsed directly instead of through subcommands.
type CLI struct {
	Devices      int           `default:"2" help:"number of synthetic devices to migrate"`
	DeviceSize   string        `default:"64M" help:"size of each device, e.g. 64M, 1G"`
	ChunkSectors int64         `default:"2048" help:"dirty-tracking granularity, in sectors"`
	RateWindow   string        `default:"16M" help:"bytes allowed through the sink per RatePeriod"`
	RatePeriod   time.Duration `default:"100ms" help:"period the rate window is measured over"`
	Downtime     time.Duration `default:"300ms" help:"convergence downtime budget"`
	WriteEvery   time.Duration `default:"2ms" help:"interval between simulated guest writes"`
	Sparse       bool          `default:"true" help:"elide all-zero chunks during bulk phase"`
	Shared       bool          `help:"treat devices as backed by a shared base image"`
	Profile      bool          `help:"CPU-profile the run, writing cpu.pprof to the working directory"`
}

func main() {
	var cli CLI

	kong.Parse(&cli,
		kong.Name("blockmig-bench"),
		kong.Description("end-to-end benchmark for the block-device migration engine"),
		kong.UsageOnError())

	if cli.Profile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "blockmig-bench:", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	deviceSize, err := parseSize(cli.DeviceSize)
	if err != nil {
		return fmt.Errorf("device-size: %w", err)
	}

	rateWindow, err := parseSize(cli.RateWindow)
	if err != nil {
		return fmt.Errorf("rate-window: %w", err)
	}

	senderLayer := blockdev.NewMemLayer()
	receiverLayer := blockdev.NewMemLayer()

	for i := 0; i < cli.Devices; i++ {
		name := fmt.Sprintf("disk%d", i)

		sd, err := blockdev.NewMemDevice(name, deviceSize, cli.ChunkSectors)
		if err != nil {
			return fmt.Errorf("allocate sender device %s: %w", name, err)
		}

		rd, err := blockdev.NewMemDevice(name, deviceSize, cli.ChunkSectors)
		if err != nil {
			return fmt.Errorf("allocate receiver device %s: %w", name, err)
		}

		senderLayer.Add(sd)
		receiverLayer.Add(rd)
	}

	stopWrites := make(chan struct{})

	go simulateGuestWrites(senderLayer, cli.WriteEvery, stopWrites)

	sysClock := clock.System{}

	pr, pw := io.Pipe()
	defer pr.Close()

	sink := wire.NewStreamSink(pw, ratelimit.New(rateWindow, cli.RatePeriod, sysClock))
	src := wire.NewStreamSource(pr)

	receiver := wire.NewReceiver(receiverLayer)
	receiver.OnProgress(func(percent int) {
		fmt.Printf("receiver: %3d%% applied\n", percent)
	})

	recvErrCh := make(chan error, 1)

	go func() {
		for {
			if err := receiver.Apply(src); err != nil {
				recvErrCh <- err

				return
			}
		}
	}()

	engine := blockmig.New(sysClock)
	engine.SetParams(blockmig.Params{
		Blk:    true,
		Shared: cli.Shared,
		Sparse: cli.Sparse,
	})

	start := time.Now()

	if err := engine.Setup(senderLayer, blockmig.FixedDowntime(cli.Downtime), sink); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := sink.Flush(); err != nil {
		return fmt.Errorf("flush after setup: %w", err)
	}

	for {
		converged, err := engine.Iterate(sink)
		if err != nil {
			return fmt.Errorf("iterate: %w", err)
		}

		if err := sink.Flush(); err != nil {
			return fmt.Errorf("flush after iterate: %w", err)
		}

		if converged {
			break
		}
	}

	close(stopWrites)
	senderLayer.DrainAll()

	if err := engine.Complete(sink); err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if err := sink.Flush(); err != nil {
		return fmt.Errorf("flush after complete: %w", err)
	}

	elapsed := time.Since(start)

	if err := pw.Close(); err != nil {
		return fmt.Errorf("close pipe: %w", err)
	}

	if err := <-recvErrCh; err != nil && !errors.Is(err, wire.ErrTruncated) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("receiver: %w", err)
	}

	transferred := engine.BytesTransferred()

	fmt.Printf("migrated %d devices (%d bytes) in %s (%.2f MiB/s)\n",
		cli.Devices, transferred, elapsed, float64(transferred)/elapsed.Seconds()/(1<<20))

	return nil
}

// simulateGuestWrites keeps rewriting random chunks of every device in
// layer until stop is closed, standing in for a live guest's disk
// activity during migration.
func simulateGuestWrites(layer *blockdev.SimpleLayer, interval time.Duration, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(1))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			layer.IterateAll(func(d blockdev.Device) {
				total := d.Length() / blockdev.SectorSize
				if total <= 0 {
					return
				}

				sector := rng.Int63n(total)
				buf := make([]byte, blockdev.SectorSize)
				rng.Read(buf)

				_ = d.WriteAt(sector, 1, buf)
			})
		}
	}
}

// parseSize parses a size string as number[kKmMgG], defaulting to
// bytes when no unit suffix is present.
func parseSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty size")
	}

	unit := int64(1)
	numPart := s

	switch s[len(s)-1] {
	case 'g', 'G':
		unit = 1 << 30
		numPart = s[:len(s)-1]
	case 'm', 'M':
		unit = 1 << 20
		numPart = s[:len(s)-1]
	case 'k', 'K':
		unit = 1 << 10
		numPart = s[:len(s)-1]
	}

	var n int64

	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}

	return n * unit, nil
}
