package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biomesh-io/biomesh/internal/config"
	"github.com/biomesh-io/biomesh/internal/events"
	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/mesh"
	"github.com/biomesh-io/biomesh/internal/node"
	"github.com/biomesh-io/biomesh/internal/safety"
	"github.com/biomesh-io/biomesh/internal/utils"
)

func main() {
	configPath := flag.String("config", "biomesh.yaml", "node configuration file")
	flag.Parse()

	logger := utils.DefaultLogger("biomesh")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", utils.Err(err))
	}

	nodeID := cfg.Node.NodeID
	if nodeID == "" {
		nodeID = "node:" + utils.GenerateID()
	}

	projector, err := cfg.Calibration.BuildProjector()
	if err != nil {
		logger.Fatal("Invalid calibration", utils.Err(err))
	}
	bioWeights, err := cfg.Calibration.BuildBioWeights()
	if err != nil {
		logger.Fatal("Invalid biocompatibility weights", utils.Err(err))
	}
	clamp, err := safety.NewClamp(projector.Schema(), bioWeights, cfg.Calibration.BioThreshold)
	if err != nil {
		logger.Fatal("Invalid safety clamp", utils.Err(err))
	}

	stim, err := health.NewBoundedRandSource(cfg.Node.Stimulus.Seed, cfg.Node.Stimulus.Bound)
	if err != nil {
		logger.Fatal("Invalid stimulus source", utils.Err(err))
	}

	estCfg := health.EstimatorConfig{
		Alpha:         cfg.Node.Health.Alpha,
		Beta:          cfg.Node.Health.Beta,
		HRef:          cfg.Node.Health.HRef,
		DT:            float64(cfg.Node.PacketWindow) / cfg.Node.SampleRate,
		TrafficFloor:  cfg.Node.Health.TrafficFloor,
		CriticalDwell: cfg.Node.Health.CriticalDwell,
	}
	initial := estCfg.HRef
	if cfg.Node.Health.InitialHealth != nil {
		initial = *cfg.Node.Health.InitialHealth
	}
	estimator, err := health.NewEstimator(estCfg, cfg.Calibration.ObservationWeights, stim, initial)
	if err != nil {
		logger.Fatal("Invalid health estimator", utils.Err(err))
	}

	topo := mesh.NewTopology()
	diffCfg := mesh.DiffuserConfig{
		Gamma:      cfg.Node.Diffuser.Gamma,
		Mu:         cfg.Node.Diffuser.Mu,
		Beta:       cfg.Node.Diffuser.Beta,
		HRef:       cfg.Node.Health.HRef,
		DT:         cfg.Node.Diffuser.Tick.Seconds(),
		StaleAfter: cfg.Node.Diffuser.StaleAfter,
	}
	diffuser, err := mesh.NewDiffuser(diffCfg, topo, nodeID, stim, initial, logger.Named("diffuser"))
	if err != nil {
		logger.Fatal("Invalid diffuser", utils.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := utils.NewGracefulShutdown(10*time.Second, logger.Named("shutdown"))

	// Gossip is optional: a node with no peers diffuses alone
	if len(cfg.Node.Gossip.Peers) > 0 || cfg.Node.Gossip.ListenAddr != "" {
		wsCfg := mesh.DefaultWSTransportConfig()
		wsCfg.ListenAddr = cfg.Node.Gossip.ListenAddr
		wsCfg.Peers = cfg.Node.Gossip.Peers
		transport, err := mesh.NewWSTransport(wsCfg, nodeID, logger.Named("ws-transport"))
		if err != nil {
			logger.Fatal("Failed to start transport", utils.Err(err))
		}

		gossipCfg := mesh.DefaultGossipConfig()
		gossipCfg.Fanout = cfg.Node.Gossip.Fanout
		gossipCfg.RoundInterval = cfg.Node.Gossip.RoundInterval
		gossip, err := mesh.NewHealthGossip(gossipCfg, nodeID, transport, topo, diffuser, logger.Named("gossip"))
		if err != nil {
			logger.Fatal("Failed to start gossip", utils.Err(err))
		}
		if err := gossip.Start(ctx); err != nil {
			logger.Fatal("Failed to start gossip", utils.Err(err))
		}
		shutdown.Register(gossip.Stop)

		for peerID := range cfg.Node.Gossip.Peers {
			topo.Ensure(peerID)
		}
	}

	bus := events.NewBus(256)
	supCfg := node.SupervisorConfig{
		NodeID:       nodeID,
		PacketWindow: cfg.Node.PacketWindow,
		SampleRate:   cfg.Node.SampleRate,
		IngestQueue:  1024,
		DiffuserTick: cfg.Node.Diffuser.Tick,
	}
	supervisor := node.NewSupervisor(supCfg, projector, clamp, estimator, diffuser, bus, logger.Named("node"))

	novelty, err := health.NewNoveltyScorer(4, projector.StateDim())
	if err != nil {
		logger.Fatal("Invalid novelty scorer", utils.Err(err))
	}
	supervisor.AttachNoveltyScorer(novelty)

	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal("Failed to start supervisor", utils.Err(err))
	}
	shutdown.Register(func() error {
		supervisor.Stop()
		return nil
	})

	// Surface events for the external continuity layer
	evCh, unsubscribe := bus.Subscribe("main")
	shutdown.Register(func() error {
		unsubscribe()
		return nil
	})
	go func() {
		for ev := range evCh {
			logger.Info("Event",
				utils.String("kind", string(ev.Kind)),
				utils.String("id", ev.ID),
			)
		}
	}()

	logger.Info("Node running",
		utils.String("node", nodeID),
		utils.String("calibration", cfg.Calibration.Version),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown incomplete", utils.Err(err))
		os.Exit(1)
	}
}
