package relay

import (
	"context"

	"github.com/goliatone/go-webhook-relay/core"
)

type Config = core.Config

type Provider = core.Provider

type WebhookJob = core.WebhookJob

type BusinessHandler = core.BusinessHandler

type BusinessHandlerFunc = core.BusinessHandlerFunc

type DeadLetterRecord = core.DeadLetterRecord

type DeadLetterFilter = core.DeadLetterFilter

const (
	ProviderWhatsApp  = core.ProviderWhatsApp
	ProviderMessenger = core.ProviderMessenger
	ProviderInstagram = core.ProviderInstagram
	ProviderGeneric   = core.ProviderGeneric
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers defaults, the raw values from loader and runtime
// overrides into a validated Config.
func LoadConfig(ctx context.Context, loader core.RawConfigLoader, runtime Config) (Config, error) {
	return core.LoadConfig(ctx, core.NewCfgxConfigProvider(loader), core.GoOptionsResolver{}, runtime)
}
