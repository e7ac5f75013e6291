package kafka

import (
	kgo "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/logging"
)

// kafka-go пишет много служебных строк, поэтому info уходит в debug
func infoLogger(component string) kgo.Logger {
	return kgo.LoggerFunc(func(msg string, args ...interface{}) {
		logging.Logger.WithFields(logrus.Fields{"component": component}).Debugf(msg, args...)
	})
}

func errorLogger(component string) kgo.Logger {
	return kgo.LoggerFunc(func(msg string, args ...interface{}) {
		logging.Logger.WithFields(logrus.Fields{"component": component}).Errorf(msg, args...)
	})
}
