package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	s, err := NewServiceTypes()
	require.NoError(t, err)

	for name, want := range map[string]ServiceType{
		"_db-client._tcp":          DoorbellClient,
		"_db-assistant._tcp":       DoorbellAssistant,
		"._db-client._tcp.local.":  DoorbellClient,
		"_sub._db-assistant._tcp":  DoorbellAssistant,
		"_DB-Client._TCP":          DoorbellClient,
		"db-assistant":             DoorbellAssistant,
		"_db-garage._tcp":          Unspecified,
		"_db-client._udp":          Unspecified,
		"_tcp":                     Unspecified,
		"":                         Unspecified,
		"_db-client-extra._tcp":    Unspecified,
		"_db-client._tcp.example.": Unspecified,
	} {
		assert.Equal(t, want, s.Lookup(name), name)
	}
}

func TestLookupIsLabelExact(t *testing.T) {
	s, err := NewServiceTypes(ServiceType{UID: "client", Label: "Bare client"})
	require.NoError(t, err)

	assert.Equal(t, DoorbellClient, s.Lookup("_db-client._tcp"))
	assert.Equal(t, "client", s.Lookup("_client._tcp").UID)
	assert.Equal(t, DoorbellAssistant, s.Lookup("_db-assistant._tcp"))
}

func TestRegisterAndUnregister(t *testing.T) {
	s, err := NewServiceTypes()
	require.NoError(t, err)

	garage := ServiceType{UID: "DB-Garage", Label: "Garage"}
	require.NoError(t, s.Register(garage))
	got, ok := s.ByUID("db-garage")
	require.True(t, ok)
	assert.Equal(t, "db-garage", got.UID)
	assert.Equal(t, "db-garage", s.Lookup("_db-garage._tcp").UID)

	assert.ErrorIs(t, s.Register(garage), ErrDuplicateServiceType)
	assert.ErrorIs(t, s.Register(DoorbellClient), ErrDuplicateServiceType)
	assert.Error(t, s.Register(ServiceType{UID: "_bad.uid"}))
	assert.Error(t, s.Register(ServiceType{}))

	assert.True(t, s.Unregister("db-garage"))
	assert.False(t, s.Unregister("db-garage"))
	assert.False(t, s.Unregister(Unspecified.UID))
	assert.True(t, s.Lookup("_db-garage._tcp").IsUnspecified())

	uids := make([]string, 0, 3)
	for _, st := range s.All() {
		uids = append(uids, st.UID)
	}
	assert.Equal(t, []string{"db-assistant", "db-client", "unspecified"}, uids)
}

func TestNewServiceTypesRejectsDuplicates(t *testing.T) {
	_, err := NewServiceTypes(ServiceType{UID: "db-client"})
	assert.ErrorIs(t, err, ErrDuplicateServiceType)
}

func TestPeerDevice(t *testing.T) {
	d := NewPeerDevice("192.168.1.10", 0, "porch", DoorbellAssistant.UID)
	assert.Equal(t, DefaultDevicePort, d.Port)
	assert.Equal(t, "_db-assistant._tcp", d.ServiceTypeName())
	assert.Equal(t, "http://192.168.1.10:8888/SDPOffer", d.URL("SDPOffer"))
	assert.Equal(t, "porch", d.Key())
	assert.False(t, d.IsPlaceholder())

	v6 := NewPeerDevice("fe80::1", 9000, "hall", DoorbellClient.UID)
	assert.Equal(t, "http://[fe80::1]:9000/info", v6.URL("info"))

	p := Placeholder("porch", DoorbellAssistant.UID)
	assert.True(t, p.IsPlaceholder())
	assert.Equal(t, PlaceholderAddress, p.Address)
}
