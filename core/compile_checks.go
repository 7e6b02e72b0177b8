package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ BusinessHandler = BusinessHandlerFunc(nil)
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ RawConfigLoader = StaticRawConfigLoader{}
	_ BackoffPolicy   = BackoffSpec{}
	_ BackoffPolicy   = ExponentialBackoff{}
	_ BackoffPolicy   = ScheduleBackoff{}
	_ BackoffPolicy   = FixedBackoff{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
