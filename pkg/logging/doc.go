// Package logging builds the slog loggers used across mqttlog.
//
// Components accept a *slog.Logger through an option. If none is provided
// they fall back to Nop(). The CLI builds the logger once from the log.level
// and log.format configuration keys:
//
//	logger, closer, err := logging.Open(logging.Config{
//	    Level:  logging.ParseLevel("debug"),
//	    Format: logging.FormatText,
//	    File:   "recordings/mqttlog.log",
//	})
//	defer closer.Close()
//
//	logger.Info("recording started", "store", path, "topics", topics)
//
// At debug level the recorder and player log every captured and replayed
// message.
package logging
