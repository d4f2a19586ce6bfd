//go:build !windows

package providers

import (
	"errors"
)

var errRegistryUnsupported = errors.New("the registry is only available on windows")

type systemRegistry struct{}

func (systemRegistry) Get(string, string) (registryValue, bool, error) {
	return registryValue{}, false, errRegistryUnsupported
}

func (systemRegistry) Set(string, string, registryValue) error {
	return errRegistryUnsupported
}

func (systemRegistry) Delete(string, string) error {
	return errRegistryUnsupported
}
