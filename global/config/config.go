package config

import (
	"time"

	"FlagChat/logger"
	"FlagChat/service/storage/redis"
	"FlagChat/tools/ids"
)

// AppConfig holds the in-code configuration of one gateway node. Values are
// overridden from main before anything else starts; the realtime packages
// read them through the accessors below and never mutate them.
type AppConfig struct {
	NodeID        string
	SnowflakeNode int64
	Port          int

	JWTSecret []byte

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsServers  []string
	KafkaBrokers []string
	ArchiveTopic string

	MongoURI      string
	MongoDatabase string

	RestBaseURL string // subject/flag directory service
	RestToken   string

	// realtime policy knobs
	AuthTimeout   time.Duration // handshake must finish within this window
	PresenceGrace time.Duration // offline debounce before presence.changed fires
	HistoryLimit  int           // messages replayed on join
	TypingTTL     time.Duration // typing indicator expiry without an explicit stop
	OfflineBatch  int           // offline queue drain batch size
}

var Global = AppConfig{
	NodeID:        "flag_gw-1",
	SnowflakeNode: 100,
	Port:          8080,
	JWTSecret:     []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
	RedisAddr:     "127.0.0.1:6379",
	NatsServers:   []string{"nats://127.0.0.1:4222"},
	KafkaBrokers:  []string{"127.0.0.1:9092"},
	ArchiveTopic:  "flagchat.messages",
	MongoURI:      "mongodb://localhost:27017",
	MongoDatabase: "flagchat",
	RestBaseURL:   "http://127.0.0.1:8081",
	AuthTimeout:   10 * time.Second,
	PresenceGrace: 10 * time.Second,
	HistoryLimit:  50,
	TypingTTL:     5 * time.Second,
	OfflineBatch:  100,
}

func GetJwtSecret() []byte { return Global.JWTSecret }

func ConfigIds() {
	logger.Infof("configuring id generator node=%d", Global.SnowflakeNode)
	ids.SetNodeID(Global.SnowflakeNode)
}

func ConfigRedis() error {
	return redis.InitRedis(redis.Config{
		Addr:     Global.RedisAddr,
		Password: Global.RedisPassword,
		DB:       Global.RedisDB,
	})
}
