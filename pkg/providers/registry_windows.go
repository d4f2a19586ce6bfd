//go:build windows

package providers

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

var registryRoots = map[string]registry.Key{
	"HKLM": registry.LOCAL_MACHINE,
	"HKCU": registry.CURRENT_USER,
	"HKCR": registry.CLASSES_ROOT,
	"HKU":  registry.USERS,
	"HKCC": registry.CURRENT_CONFIG,
}

type systemRegistry struct{}

func openRegistryKey(key string, access uint32, create bool) (registry.Key, error) {
	hive, path, err := parseRegistryKey(key)
	if err != nil {
		return 0, err
	}
	if create {
		k, _, err := registry.CreateKey(registryRoots[hive], path, access)
		return k, err
	}
	return registry.OpenKey(registryRoots[hive], path, access)
}

func (systemRegistry) Get(key, name string) (registryValue, bool, error) {
	k, err := openRegistryKey(key, registry.QUERY_VALUE, false)
	if errors.Is(err, registry.ErrNotExist) {
		return registryValue{}, false, nil
	}
	if err != nil {
		return registryValue{}, false, err
	}
	defer k.Close()

	_, valtype, err := k.GetValue(name, nil)
	if errors.Is(err, registry.ErrNotExist) {
		return registryValue{}, false, nil
	}
	if err != nil {
		return registryValue{}, false, err
	}

	switch valtype {
	case registry.SZ, registry.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		if err != nil {
			return registryValue{}, false, err
		}
		typ := RegistryString
		if valtype == registry.EXPAND_SZ {
			typ = RegistryExpandString
		}
		return registryValue{Type: typ, Data: s}, true, nil
	case registry.DWORD, registry.QWORD:
		n, _, err := k.GetIntegerValue(name)
		if err != nil {
			return registryValue{}, false, err
		}
		typ := RegistryDWord
		if valtype == registry.QWORD {
			typ = RegistryQWord
		}
		return registryValue{Type: typ, Data: n}, true, nil
	case registry.MULTI_SZ:
		strs, _, err := k.GetStringsValue(name)
		if err != nil {
			return registryValue{}, false, err
		}
		return registryValue{Type: RegistryMultiString, Data: strs}, true, nil
	}

	// Other types are rewritten with the declared type.
	return registryValue{Type: fmt.Sprintf("type-%d", valtype)}, true, nil
}

func (systemRegistry) Set(key, name string, v registryValue) error {
	k, err := openRegistryKey(key, registry.SET_VALUE, true)
	if err != nil {
		return err
	}
	defer k.Close()

	switch v.Type {
	case RegistryString:
		return k.SetStringValue(name, v.Data.(string))
	case RegistryExpandString:
		return k.SetExpandStringValue(name, v.Data.(string))
	case RegistryDWord:
		return k.SetDWordValue(name, uint32(v.Data.(uint64)))
	case RegistryQWord:
		return k.SetQWordValue(name, v.Data.(uint64))
	case RegistryMultiString:
		return k.SetStringsValue(name, v.Data.([]string))
	}
	return fmt.Errorf("unsupported registry type %q", v.Type)
}

func (systemRegistry) Delete(key, name string) error {
	k, err := openRegistryKey(key, registry.SET_VALUE, false)
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}
