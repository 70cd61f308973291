// Command horizon-sim is a host-side harness for horizon-core: it mounts a
// RAM-backed flash file system, wires up the OTA updater, the satellite
// radio driver, and the GNSS receiver driver against fake transports, and
// drives them through a cooperative-scheduler demo scenario -- the same
// shape as cli.SetupCLI, adapted from a device-management CLI to a
// firmware-core simulator.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/arribada/horizon-core/internal/coreconf"
	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/teststore"
)

var log = corelog.For("horizon-sim")

func main() {
	app := &cli.App{
		Name:  "horizon-sim",
		Usage: "simulate horizon-core's firmware subsystems on the host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a JSON configuration file",
				Value: "",
			},
			&cli.StringFlag{
				Name:  "store-dir",
				Usage: "directory holding the simulator's persistent scratch store",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "device-file",
				Usage: "back the simulated flash with a memory-mapped file at this path instead of RAM restored from the scratch store",
				Value: "",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug-level logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("debug") {
				corelog.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the OTA/radio/GNSS demo scenario once, persisting device state for the next run",
				Action: func(ctx *cli.Context) error {
					return runCommand(ctx)
				},
			},
			{
				Name:  "reset",
				Usage: "discard the persisted device snapshot, starting the next run from an erased part",
				Action: func(ctx *cli.Context) error {
					return resetCommand(ctx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("horizon-sim: %v", err)
		os.Exit(1)
	}
}

func openStore(ctx *cli.Context) (*teststore.Store, error) {
	dir := ctx.String("store-dir")
	store, err := teststore.Open(dir)
	if err != nil {
		return nil, errors.Wrap(err, "horizon-sim: open scratch store")
	}
	return store, nil
}

func runCommand(ctx *cli.Context) error {
	cfg, err := coreconf.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sim, err := NewSimulation(cfg, store, ctx.String("device-file"))
	if err != nil {
		return errors.Wrap(err, "horizon-sim: initialize simulation")
	}
	defer sim.Close()

	events, err := sim.RunDemo()
	for _, e := range events {
		fmt.Println(e)
	}
	if err != nil {
		return errors.Wrap(err, "horizon-sim: run demo scenario")
	}

	return sim.SaveSnapshot()
}

func resetCommand(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RemoveSnapshot(snapshotName)
}
