package app

import (
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/asterisk"
	"github.com/MrWong99/callbridge/pkg/provider/freeswitch"
	"github.com/MrWong99/callbridge/pkg/provider/generic"
	"github.com/MrWong99/callbridge/pkg/provider/genesys"
	"github.com/MrWong99/callbridge/pkg/provider/twilio"
)

// BuiltinRegistry returns a registry with a factory for every supported
// connector type.
func BuiltinRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	RegisterBuiltinProviders(reg)
	return reg
}

// RegisterBuiltinProviders adds the built-in connector factories to reg.
func RegisterBuiltinProviders(reg *provider.Registry) {
	reg.Register(provider.TypeTwilio, func(provider.Options) (provider.Adapter, error) {
		return twilio.New(), nil
	})
	reg.Register(provider.TypeGenesys, func(provider.Options) (provider.Adapter, error) {
		return genesys.New(), nil
	})
	reg.Register(provider.TypeFreeSWITCH, func(opts provider.Options) (provider.Adapter, error) {
		return freeswitch.New(opts.Input.SampleRate), nil
	})
	reg.Register(provider.TypeAsterisk, func(opts provider.Options) (provider.Adapter, error) {
		a, err := asterisk.Listen(opts.ListenAddr)
		if err != nil {
			return nil, err
		}
		return a, nil
	})

	// websocket, avaya, cisco and amazon_connect all speak the generic
	// JSON/binary protocol; they differ only in the call-ID header.
	for _, t := range []provider.Type{
		provider.TypeWebSocket, provider.TypeAvaya,
		provider.TypeCisco, provider.TypeAmazonConnect,
	} {
		reg.Register(t, func(opts provider.Options) (provider.Adapter, error) {
			a, err := generic.New(opts.Type, opts.Input)
			if err != nil {
				return nil, err
			}
			return a, nil
		})
	}
}
