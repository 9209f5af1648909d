package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var monitor = false
var fsRPC = false
var fsServer = false
var snapshot = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Monitor returns true if the monitor package should log command
// dispatch and loop events.
func Monitor() bool {
	return monitor
}

// MonitorLogger returns a logger for the monitor package.
func MonitorLogger() *logrus.Entry {
	return makeLogger(monitor, logrus.Fields{"layer": "monitor"})
}

// FSRPC returns true if the file client should log every request and
// reply exchanged with the file server.
func FSRPC() bool {
	return fsRPC
}

// FSRPCLogger returns a configured logger for the file client's wire
// traffic.
func FSRPCLogger() *logrus.Entry {
	return makeLogger(fsRPC, logrus.Fields{"layer": "fsrpc"})
}

// FSServer returns true if the file server should log the operations it
// serves.
func FSServer() bool {
	return fsServer
}

// FSServerLogger returns a logger for the file server.
func FSServerLogger() *logrus.Entry {
	return makeLogger(fsServer, logrus.Fields{"layer": "fsserv"})
}

// Snapshot returns true if snapshot loading should be logged.
func Snapshot() bool {
	return snapshot
}

func SnapshotLogger() *logrus.Entry {
	return makeLogger(snapshot, logrus.Fields{"layer": "core", "kind": "snapshot"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "monitor"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "monitor":
			monitor = true
		case "fsrpc":
			fsRPC = true
		case "fsserv":
			fsServer = true
		case "snapshot":
			snapshot = true
		}
	}
	return nil
}
