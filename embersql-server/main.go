package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ngaut/log"

	"github.com/emberdb-incubator/embersql/kv/config"
	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/kv/transaction"
	"github.com/emberdb-incubator/embersql/session"
	"github.com/emberdb-incubator/embersql/sm"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("db-path", "", "directory to store data in")
	logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
)

var (
	gitHash = "None"
)

func main() {
	flag.Parse()
	conf := loadConfig()
	if *dbPath != "" {
		conf.Engine.DBPath = *dbPath
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	runtime.GOMAXPROCS(conf.MaxProcs)
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	eng, err := engine.OpenBadgerEngine(&conf.Engine)
	if err != nil {
		log.Fatal(err)
	}

	txnService := transaction.NewService(eng)
	sessions := session.NewService()
	manager, err := sm.NewKVSchemaManager(conf, sessions, txnService)
	if err != nil {
		log.Fatal(err)
	}
	if err := manager.Start(); err != nil {
		log.Fatal(err)
	}
	log.Infof("serving catalog at generation %d", manager.GetOldestActiveAISGeneration())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	<-sig

	manager.Stop()
	if err := eng.Close(); err != nil {
		log.Error(err)
	}
}

func loadConfig() *config.Config {
	if *configPath == "" {
		return config.NewDefaultConfig()
	}
	conf, err := config.FromFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	return conf
}
