package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootLoggerName = "relay"

// Resolve picks provider, then logger, then a nop logger.
func Resolve(provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	resolvedProvider, resolvedLogger := glog.Resolve(RootLoggerName, provider, logger)
	return resolvedProvider, glog.Ensure(resolvedLogger)
}

// Component returns the logger for one relay component, named
// "relay.<component>" when a provider is available.
func Component(provider glog.LoggerProvider, logger glog.Logger, component string) glog.Logger {
	resolvedProvider, resolvedLogger := Resolve(provider, logger)
	name := ComponentName(component)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return resolvedLogger
}

func ComponentName(component string) string {
	component = strings.Trim(strings.ToLower(strings.TrimSpace(component)), ".")
	if component == "" {
		return RootLoggerName
	}
	return RootLoggerName + "." + component
}

// ForJob bridges the relay logger onto the go-job logging contracts used by
// adapters/gojob backends.
func ForJob(provider glog.LoggerProvider, logger glog.Logger) (job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(provider, logger)
	var jobProvider job.LoggerProvider
	if resolvedProvider != nil {
		jobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	return jobProvider, job.GoLogger(Component(resolvedProvider, resolvedLogger, "jobs"))
}
