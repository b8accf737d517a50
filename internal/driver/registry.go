package driver

import (
	"fmt"
	"sync"
)

// Registry はプロバイダー名からドライバーを引く。
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	layers  map[string]Layer
	order   []string
}

// NewRegistry はドライバーを登録したRegistryを生成する。
func NewRegistry(drivers ...Driver) (*Registry, error) {
	r := &Registry{drivers: map[string]Driver{}, layers: map[string]Layer{}}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register はドライバーを登録する。プロバイダー名やレイヤー名の重複はエラー。
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drivers[d.Provider()]; ok {
		return fmt.Errorf("driver already registered: %s", d.Provider())
	}
	for _, l := range d.Layers() {
		if _, ok := r.layers[l.Name]; ok {
			return fmt.Errorf("layer already registered: %s", l.Name)
		}
	}

	r.drivers[d.Provider()] = d
	for _, l := range d.Layers() {
		r.layers[l.Name] = l
	}
	r.order = append(r.order, d.Provider())
	return nil
}

// Driver はプロバイダーのドライバーを返す。
func (r *Registry) Driver(provider string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return d, nil
}

// Layer はレイヤー名からレイヤーを返す。
func (r *Registry) Layer(name string) (Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	if !ok {
		return Layer{}, fmt.Errorf("%w: %s", ErrUnknownLayer, name)
	}
	return l, nil
}

// ResolveLayer はプロバイダーとレイヤー名からレイヤーを決定する。
// layerが空の場合はプロバイダーの最初のレイヤーを返す。
func (r *Registry) ResolveLayer(provider, layer string) (Layer, error) {
	d, err := r.Driver(provider)
	if err != nil {
		return Layer{}, err
	}
	layers := d.Layers()
	if layer == "" {
		if len(layers) == 0 {
			return Layer{}, fmt.Errorf("%w: provider %s has no layers", ErrUnknownLayer, provider)
		}
		return layers[0], nil
	}
	for _, l := range layers {
		if l.Name == layer {
			return l, nil
		}
	}
	return Layer{}, fmt.Errorf("%w: %s/%s", ErrUnknownLayer, provider, layer)
}

// LayersFor はプロバイダーのレイヤーを返す。
func (r *Registry) LayersFor(provider string) []Layer {
	d, err := r.Driver(provider)
	if err != nil {
		return nil
	}
	return d.Layers()
}

// AllLayers は登録順に全レイヤーを返す。
func (r *Registry) AllLayers() []Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []Layer
	for _, p := range r.order {
		all = append(all, r.drivers[p].Layers()...)
	}
	return all
}

// Providers は登録順にプロバイダー名を返す。
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
