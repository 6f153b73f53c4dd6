package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Caller bool   `long:"caller" env:"CALLER" description:"Annotate log events with their calling function"`
}

// InitLog configures the logger. Every event is annotated with the driver
// and table prefix of |db|, which distinguish stores logging to a shared sink.
func InitLog(cfg LogConfig, db DatabaseConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}
	log.SetReportCaller(cfg.Caller)
	log.AddHook(storeFieldsHook{"driver": db.Driver, "tablePrefix": db.TablePrefix})

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
		log.WithField("level", lvl).Debug("using log level")
	}
}

// storeFieldsHook adds its fields to events which don't already have them.
type storeFieldsHook log.Fields

func (h storeFieldsHook) Levels() []log.Level { return log.AllLevels }

func (h storeFieldsHook) Fire(entry *log.Entry) error {
	for k, v := range h {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
