package fi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/tagfabric-go/internal/loopback"
)

// ProviderName is the name of the built-in in-process provider.
const ProviderName = "loopback"

// Provider defaults advertised through Info.
const (
	DefaultFabricName      = "loopback"
	DefaultDomainName      = "loopback0"
	DefaultInjectSize      = 64
	DefaultEagerSize       = 8192
	DefaultMTU             = 16384
	DefaultMaxMsgSize      = 1 << 30
	DefaultCQSize          = 1024
	DefaultCQDataSize      = 8
	DefaultUnexpectedBytes = 4 << 20
	DefaultUnexpectedCount = 1024
	DefaultRetryTimeout    = 5 * time.Second
)

// ErrNoProvider indicates that discovery matched no provider entry.
var ErrNoProvider = errors.New("tagfabric: no provider matches the requested hints")

// EndpointType identifies the endpoint semantics of a provider entry.
type EndpointType uint8

const (
	EndpointTypeUnspec EndpointType = iota
	EndpointTypeMsg
	EndpointTypeDgram
	EndpointTypeRDM
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeMsg:
		return "FI_EP_MSG"
	case EndpointTypeDgram:
		return "FI_EP_DGRAM"
	case EndpointTypeRDM:
		return "FI_EP_RDM"
	default:
		return "FI_EP_UNSPEC"
	}
}

// Capability bits.
const (
	CapTagged       uint64 = 1 << 3
	CapInject       uint64 = 1 << 9
	CapDirectedRecv uint64 = 1 << 21
	CapRemoteCQData uint64 = 1 << 22
	CapRMA          uint64 = 1 << 2
)

const providerCaps = CapTagged | CapInject | CapDirectedRecv | CapRemoteCQData

// MRModeFlag represents provider memory-registration requirements.
type MRModeFlag uint64

const (
	// MRModeLocal requires every buffer moving data to carry a registered
	// memory descriptor.
	MRModeLocal MRModeFlag = 1 << 0
	// MRModeProvKey means registration keys are chosen by the provider.
	MRModeProvKey MRModeFlag = 1 << 5
)

const supportedDomainMRModes = MRModeLocal | MRModeProvKey

// Version is a provider version number.
type Version struct {
	Major uint32
	Minor uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ProviderVersion is the version reported by the built-in provider.
var ProviderVersion = Version{Major: 1, Minor: 0}

// Info captures a snapshot of a provider entry produced during discovery.
type Info struct {
	Provider        string
	Fabric          string
	Domain          string
	Caps            uint64
	Endpoint        EndpointType
	ProviderVersion Version
	InjectSize      uintptr
	EagerSize       uintptr
	MTU             uintptr
	MaxMsgSize      uint64
	CQDataSize      uintptr
	MRMode          uint64
	MRKeySize       uintptr
}

// SupportsCap reports whether the specified capability bit is set.
func (i Info) SupportsCap(flag uint64) bool {
	return i.Caps&flag != 0
}

// SupportsTagged indicates whether the provider advertises tagged messaging support.
func (i Info) SupportsTagged() bool {
	return i.SupportsCap(CapTagged)
}

// MRModeFlags returns the raw provider MR mode bits.
func (i Info) MRModeFlags() MRModeFlag {
	return MRModeFlag(i.MRMode)
}

// RequiresMRMode reports whether the provider requires the specified MR mode flag.
func (i Info) RequiresMRMode(flag MRModeFlag) bool {
	if flag == 0 {
		return false
	}
	return i.MRMode&uint64(flag) != 0
}

// SupportsEndpointType reports whether this entry targets the specified endpoint type.
func (i Info) SupportsEndpointType(ep EndpointType) bool {
	return i.Endpoint == ep
}

// SupportsRDM indicates whether the entry describes a reliable datagram endpoint.
func (i Info) SupportsRDM() bool {
	return i.SupportsEndpointType(EndpointTypeRDM)
}

// DiscoverOption adjusts discovery behavior.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	provider     string
	fabric       string
	domain       string
	endpointType *EndpointType
	caps         *uint64
	mrMode       *MRModeFlag
}

// WithProvider filters discovery by provider name.
func WithProvider(provider string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.provider = provider
	}
}

// WithFabric selects the fabric name. Endpoints opened on fabrics with the
// same name can reach each other.
func WithFabric(name string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.fabric = name
	}
}

// WithDomain sets the domain name reported by the entry.
func WithDomain(name string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.domain = name
	}
}

// WithEndpointType filters discovery by endpoint type.
func WithEndpointType(ep EndpointType) DiscoverOption {
	return func(cfg *discoverConfig) {
		t := ep
		cfg.endpointType = &t
	}
}

// WithCaps requests the given capability bits.
func WithCaps(caps uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		c := caps
		cfg.caps = &c
	}
}

// WithMRMode requests the memory registration mode the caller can support.
// Passing 0 selects a domain that accepts unregistered buffers.
func WithMRMode(mode MRModeFlag) DiscoverOption {
	return func(cfg *discoverConfig) {
		m := mode
		cfg.mrMode = &m
	}
}

func (c *discoverConfig) matches() bool {
	if c.provider != "" && c.provider != ProviderName {
		return false
	}
	if c.endpointType != nil && *c.endpointType != EndpointTypeUnspec && *c.endpointType != EndpointTypeRDM {
		return false
	}
	if c.caps != nil && *c.caps&^providerCaps != 0 {
		return false
	}
	return true
}

func (c *discoverConfig) info() Info {
	info := Info{
		Provider:        ProviderName,
		Fabric:          DefaultFabricName,
		Domain:          DefaultDomainName,
		Caps:            providerCaps,
		Endpoint:        EndpointTypeRDM,
		ProviderVersion: ProviderVersion,
		InjectSize:      DefaultInjectSize,
		EagerSize:       DefaultEagerSize,
		MTU:             DefaultMTU,
		MaxMsgSize:      DefaultMaxMsgSize,
		CQDataSize:      DefaultCQDataSize,
		MRMode:          uint64(MRModeLocal | MRModeProvKey),
		MRKeySize:       8,
	}
	if c.fabric != "" {
		info.Fabric = c.fabric
	}
	if c.domain != "" {
		info.Domain = c.domain
	}
	if c.mrMode != nil {
		info.MRMode = uint64(*c.mrMode&supportedDomainMRModes) | uint64(MRModeProvKey)
	}
	return info
}

// Discovery holds the result of a discovery call.
type Discovery struct {
	entries []Info
}

// Close releases the discovery result.
func (d *Discovery) Close() {
	if d == nil {
		return
	}
	d.entries = nil
}

// Descriptor snapshots a single provider entry and opens resources from it.
type Descriptor struct {
	entry Info
}

// Info returns a value snapshot for the descriptor.
func (d Descriptor) Info() Info {
	return d.entry
}

// Provider exposes the provider name directly.
func (d Descriptor) Provider() string {
	return d.entry.Provider
}

// SupportsTagged reports whether the descriptor's provider supports tagged messaging.
func (d Descriptor) SupportsTagged() bool {
	return d.entry.SupportsTagged()
}

// MRModeFlags returns the raw provider MR mode bits.
func (d Descriptor) MRModeFlags() MRModeFlag {
	return d.entry.MRModeFlags()
}

// RequiresMRMode reports whether the descriptor requires the specified MR mode flag.
func (d Descriptor) RequiresMRMode(flag MRModeFlag) bool {
	return d.entry.RequiresMRMode(flag)
}

// EndpointType returns the endpoint type associated with this descriptor.
func (d Descriptor) EndpointType() EndpointType {
	return d.entry.Endpoint
}

// Descriptors returns all entries within the discovery result.
func (d *Discovery) Descriptors() []Descriptor {
	if d == nil {
		return nil
	}
	res := make([]Descriptor, len(d.entries))
	for i, entry := range d.entries {
		res[i] = Descriptor{entry: entry}
	}
	return res
}

// DiscoverDescriptors performs discovery and returns a handle that can open
// fabrics or domains.
func DiscoverDescriptors(opts ...DiscoverOption) (*Discovery, error) {
	var cfg discoverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.matches() {
		return nil, ErrNoProvider
	}
	return &Discovery{entries: []Info{cfg.info()}}, nil
}

// Discover returns value snapshots of the provider entries matching opts.
func Discover(opts ...DiscoverOption) ([]Info, error) {
	result, err := DiscoverDescriptors(opts...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	descriptors := result.Descriptors()
	infos := make([]Info, len(descriptors))
	for i, descriptor := range descriptors {
		infos[i] = descriptor.Info()
	}
	return infos, nil
}

// Fabric is an attachment to a named loopback network.
type Fabric struct {
	name string
	net  *loopback.Network
}

// Name returns the fabric name.
func (f *Fabric) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// Close releases the fabric.
func (f *Fabric) Close() error {
	if f == nil {
		return nil
	}
	f.net = nil
	return nil
}

// Domain owns memory registrations and hosts endpoints, completion queues
// and address vectors.
type Domain struct {
	fabric *Fabric
	info   Info
	mrMode uint64

	mu      sync.Mutex
	regions map[uint64]*MemoryRegion
	nextKey uint64
	closed  bool
}

// MRModeFlags reports the domain's memory registration mode requirements.
func (d *Domain) MRModeFlags() MRModeFlag {
	if d == nil {
		return 0
	}
	return MRModeFlag(d.mrMode)
}

// RequiresMRMode reports whether the domain requires the specified MR mode flag.
func (d *Domain) RequiresMRMode(flag MRModeFlag) bool {
	if d == nil || flag == 0 {
		return false
	}
	return d.mrMode&uint64(flag) != 0
}

// Info returns the provider entry the domain was opened from.
func (d *Domain) Info() Info {
	if d == nil {
		return Info{}
	}
	return d.info
}

// Close releases the domain and invalidates its memory registrations.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, mr := range d.regions {
		mr.invalidate()
		delete(d.regions, key)
	}
	d.closed = true
	return nil
}

func (d *Domain) valid() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.fabric != nil && d.fabric.net != nil
}

// OpenFabric opens a fabric for the descriptor.
func (d Descriptor) OpenFabric() (*Fabric, error) {
	return &Fabric{name: d.entry.Fabric, net: loopback.Shared(d.entry.Fabric)}, nil
}

// OpenDomain opens a domain associated with the provided fabric and descriptor.
func (d Descriptor) OpenDomain(fabric *Fabric) (*Domain, error) {
	if fabric == nil || fabric.net == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	return &Domain{
		fabric:  fabric,
		info:    d.entry,
		mrMode:  d.entry.MRMode,
		regions: make(map[uint64]*MemoryRegion),
	}, nil
}

// FormatInfo provides a readable representation of the descriptor information.
func FormatInfo(info Info) string {
	return fmt.Sprintf("provider=%s fabric=%s domain=%s endpoint=%s inject=%d eager=%d mtu=%d",
		info.Provider, info.Fabric, info.Domain, info.Endpoint, info.InjectSize, info.EagerSize, info.MTU)
}
