package types

// DictionaryItem is a single name→value option passed to an external
// collaborator (container opener, codec, bitstream filter).
type DictionaryItem struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type DictionaryItems []DictionaryItem

func (s DictionaryItems) Get(key string) (string, bool) {
	for _, item := range s {
		if item.Key == key {
			return item.Value, true
		}
	}
	return "", false
}

// HardwareDeviceType names a hardware acceleration backend requested for
// a decoder or encoder; interpretation is up to the codec implementation.
type HardwareDeviceType string

// HardwareDeviceName addresses a concrete device of a HardwareDeviceType.
type HardwareDeviceName string
