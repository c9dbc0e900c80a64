package serve

import (
	"fmt"
	"strings"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dSync server",
		Long:    `Start the dSync server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSYNC_<flag> (e.g. DSYNC_FLUSH_SEC=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the HTTP/websocket API will listen (e.g. 0.0.0.0:8080)"))

	key = "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("NodeID identifies this node on the relay (e.g. 'node-1'). If empty, a random id is assigned at startup"))

	key = "storage"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Snapshot storage backend. One of: memory, badger, mysql"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("(badger storage) DataDir is the directory used for storing the snapshots"))

	key = "mysql-dsn"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(mysql storage) DSN of the snapshot database (e.g. 'user:pass@tcp(localhost:3306)/dsync?parseTime=true')"))

	key = "flush-sec"
	ServeCmd.PersistentFlags().Int64(key, 10, cmdUtil.WrapString("How often the persistence scheduler flushes dirty documents (in seconds)"))

	key = "write-sec"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout for a single snapshot write (in seconds)"))

	key = "idle-sec"
	ServeCmd.PersistentFlags().Int64(key, 300, cmdUtil.WrapString("How long a document without subscribers stays in memory before eviction (in seconds)"))

	key = "evict-sec"
	ServeCmd.PersistentFlags().Int64(key, 60, cmdUtil.WrapString("How often the eviction scan runs (in seconds, 0 disables eviction)"))

	key = "relay"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Cross-node relay backend. One of: memory (single-node operation), kafka"))

	key = "kafka-brokers"
	ServeCmd.PersistentFlags().String(key, "localhost:9092", cmdUtil.WrapString("(kafka relay) Comma-separated list of broker addresses"))

	key = "kafka-topic"
	ServeCmd.PersistentFlags().String(key, "dsync-diffs", cmdUtil.WrapString("(kafka relay) Topic carrying the cross-node diff stream"))

	key = "presence"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Presence tracker backend. One of: memory, redis"))

	key = "redis-url"
	ServeCmd.PersistentFlags().String(key, "redis://localhost:6379", cmdUtil.WrapString("(redis presence) Redis connection url"))

	key = "auth-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("HTTP endpoint consulted for admission decisions. If empty, all clients are allowed"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse storage backend
	switch storage := viper.GetString("storage"); storage {
	case "memory":
		serveCmdConfig.Storage = common.StorageMemory
	case "badger":
		serveCmdConfig.Storage = common.StorageBadger
	case "mysql":
		serveCmdConfig.Storage = common.StorageMySQL
		if viper.GetString("mysql-dsn") == "" {
			return fmt.Errorf("mysql-dsn is required for mysql storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (expected one of: memory, badger, mysql)", storage)
	}

	// parse relay backend
	switch relay := viper.GetString("relay"); relay {
	case "memory":
		serveCmdConfig.Relay = common.RelayMemory
	case "kafka":
		serveCmdConfig.Relay = common.RelayKafka
		serveCmdConfig.KafkaBrokers = strings.Split(viper.GetString("kafka-brokers"), ",")
		serveCmdConfig.KafkaTopic = viper.GetString("kafka-topic")
	default:
		return fmt.Errorf("invalid relay backend: %s (expected one of: memory, kafka)", relay)
	}

	// parse presence backend
	switch presence := viper.GetString("presence"); presence {
	case "memory":
		serveCmdConfig.Presence = common.PresenceMemory
	case "redis":
		serveCmdConfig.Presence = common.PresenceRedis
		serveCmdConfig.RedisURL = viper.GetString("redis-url")
	default:
		return fmt.Errorf("invalid presence backend: %s (expected one of: memory, redis)", presence)
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.NodeID = viper.GetString("node-id")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.MySQLDSN = viper.GetString("mysql-dsn")
	serveCmdConfig.FlushSec = viper.GetInt64("flush-sec")
	serveCmdConfig.WriteSec = viper.GetInt64("write-sec")
	serveCmdConfig.IdleSec = viper.GetInt64("idle-sec")
	serveCmdConfig.EvictSec = viper.GetInt64("evict-sec")
	serveCmdConfig.AuthEndpoint = viper.GetString("auth-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// run starts the dSync server
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	serv, err := server.NewCollabServer(
		*serveCmdConfig,
		s,
	)
	if err != nil {
		return err
	}

	return serv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
