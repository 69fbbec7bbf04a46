package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmhive/vmhive/internal/appconf"
	"github.com/vmhive/vmhive/internal/ctlserver"
	"github.com/vmhive/vmhive/internal/monitor"
	"github.com/vmhive/vmhive/internal/remote"
	"github.com/vmhive/vmhive/internal/systemd"
	"github.com/vmhive/vmhive/server/block"
	"github.com/vmhive/vmhive/server/migration"
	"github.com/vmhive/vmhive/server/rollback"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})

	app := cli.NewApp()
	app.Usage = "Migration manager for virtual machines"
	app.Action = run
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the configuration file",
			EnvVars: []string{"VMHIVED_CONFIG"},
			Value:   "/etc/vmhive/vmhive.ini",
		},
		&cli.StringFlag{
			Name:    "node-name",
			Usage:   "name of this cluster node",
			EnvVars: []string{"VMHIVED_NODE_NAME"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "print debug information",
			EnvVars: []string{"VMHIVED_DEBUG", "DEBUG"},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	appConf, err := appconf.NewConfig(c.String("config"))
	if err != nil {
		return err
	}

	nodeName := c.String("node-name")

	if len(nodeName) == 0 {
		if nodeName, err = os.Hostname(); err != nil {
			return err
		}
	}

	systemctl, err := systemd.NewManager()
	if err != nil {
		return err
	}
	defer systemctl.Close()

	// Pool of control-socket clients of all running virt.machines
	mon := monitor.NewPool(appConf.Common.MonitorDir, appConf.Migration.MonitorTimeout())

	executor := remote.NewSSHExecutor(appConf.Remote.User)

	blocks := block.NewManager(executor)

	migrations := migration.NewManager(migration.Params{
		Monitor:          mon,
		Units:            systemctl,
		Executor:         executor,
		Blocks:           blocks,
		SourceNode:       nodeName,
		MachineDir:       appConf.Common.MachineDir,
		IncomingPort:     appConf.Migration.IncomingPort,
		MaxConcurrent:    appConf.Migration.MaxConcurrent,
		DefaultBandwidth: appConf.Migration.DefaultBandwidth,
		PollInterval:     appConf.Migration.PollInterval(),
		Deadline:         appConf.Migration.Deadline(),
	})

	rollbacks := rollback.NewManager(executor, systemctl, appConf.Common.MachineDir)

	if n, err := countRunningInstances(systemctl); err == nil {
		if n == 1 {
			log.Infof("Found %d running instance", n)
		} else {
			log.Infof("Found %d running instances", n)
		}
	} else {
		return err
	}

	// Local control endpoint
	srv := ctlserver.NewServer(appConf.Server.Socket)

	commands := &commandServer{
		migrations: migrations,
		blocks:     blocks,
		rollbacks:  rollbacks,
		mon:        mon,
	}

	commands.register(srv)

	log.WithField("node", nodeName).Info("Started")

	// This global cancel context is used by the graceful shutdown function
	cancelCtx, cancel := context.WithCancel(context.Background())

	// Signal handler
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigc)

		s := <-sigc

		log.WithField("signal", s).Info("Graceful shutdown initiated ...")

		cancel()
	}()

	err = srv.ListenAndServe(cancelCtx)

	// Running jobs keep their state in the table. An operator decides
	// per job whether to wait or to roll back after a restart.
	if active := activeJobs(migrations); active > 0 {
		log.Warnf("Shutting down with %d active migration(s)", active)
	}

	return err
}

func countRunningInstances(systemctl *systemd.Manager) (int, error) {
	units, err := systemctl.GetAllUnits("vmhive@*.service")
	if err != nil {
		return 0, err
	}

	var count int

	for _, unit := range units {
		if unit.IsRunning() {
			count++
		}
	}

	return count, nil
}

func activeJobs(m *migration.Manager) int {
	var active int

	for _, j := range m.ListJobs() {
		if !j.State.Terminal() {
			active++

			log.Warnf("Job %s (%s -> %s) is still in the %s state", j.ID, j.Machine, j.TargetNode, j.State)
		}
	}

	return active
}
