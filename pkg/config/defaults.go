package config

import "time"

const (
	defaultGRPCAddress    = ":57400"
	defaultMaxRecvMsgSize = 4 * 1024 * 1024
	defaultRPCTimeout     = 2 * time.Minute

	defaultPrometheusAddress = ":9090"

	defaultStartupStoreType = StoreTypeBadger
	defaultStartupStoreDir  = "./dsruntime/startup"

	defaultCallbackTimeout     = 5 * time.Second
	defaultOperTimeout         = 5 * time.Second
	defaultCommitTimeout       = 30 * time.Second
	defaultNotificationTimeout = time.Second
	defaultNotificationLog     = 1024

	defaultDispatchDriver  = DriverThreaded
	defaultDispatchWorkers = 8
	defaultPollInterval    = 100 * time.Millisecond
	defaultUnsubscribeWait = time.Second

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)
