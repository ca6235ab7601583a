package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FlagChat/global/config"
	"FlagChat/logger"
	"FlagChat/service/archive"
	"FlagChat/service/chat"
	"FlagChat/service/chat/handlers"
	"FlagChat/service/natsx"
	"FlagChat/service/notify"
	"FlagChat/service/rest"
	"FlagChat/service/room"
	"FlagChat/service/storage"
	"FlagChat/service/storage/mgo"
	"FlagChat/service/storage/redis"
	"FlagChat/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	if id := os.Getenv("GATEWAY_ID"); id != "" {
		config.Global.NodeID = id
	}

	config.ConfigIds()
	if err := config.ConfigRedis(); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := mgo.NewStore(ctx, mgo.Config{
		URI:      config.Global.MongoURI,
		Database: config.Global.MongoDatabase,
	})
	cancel()
	if err != nil {
		log.Fatalf("mongo init failed: %v", err)
	}

	bus, err := natsx.Connect(natsx.Config{
		Servers: config.Global.NatsServers,
		Name:    config.Global.NodeID,
	})
	if err != nil {
		log.Fatalf("nats init failed: %v", err)
	}

	// the kafka archive is best effort; a node without brokers still serves
	var archiver *archive.Producer
	if len(config.Global.KafkaBrokers) > 0 {
		archiver, err = archive.NewProducer(config.Global.KafkaBrokers, config.Global.ArchiveTopic)
		if err != nil {
			logger.Warnf("kafka archive disabled: %v", err)
			archiver = nil
		}
	}

	rdb := redis.GetRedis()
	dir := rest.NewClient(config.Global.RestBaseURL, config.Global.RestToken)

	deps := chat.Deps{
		NodeID: config.Global.NodeID,
		JWT:    security.DefaultOptions(config.GetJwtSecret()),
		Sessions: chat.ManagerConf{
			AuthTimeout: config.Global.AuthTimeout,
		},
		AuthDir:       &room.FlagAuthorizer{Dir: dir},
		Store:         store,
		Queue:         storage.NewOfflineQueue(rdb),
		Mirror:        storage.NewPresenceMirror(rdb),
		Notifier:      notify.NewProducer(bus),
		Bus:           bus,
		PresenceGrace: config.Global.PresenceGrace,
		HistoryLimit:  config.Global.HistoryLimit,
		OfflineBatch:  config.Global.OfflineBatch,
		TypingTTL:     config.Global.TypingTTL,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	srv, err := chat.NewServer(deps)
	if err != nil {
		log.Fatalf("gateway init failed: %v", err)
	}
	handlers.RegisterAll(srv.Disp())

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/chat", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"node": srv.NodeID()}) })

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		srv.Close()
		if archiver != nil {
			_ = archiver.Close()
		}
		bus.Close()
		_ = redis.CloseRedis()
		logger.Sync()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", config.Global.Port)
	log.Printf("[HTTP] Listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
