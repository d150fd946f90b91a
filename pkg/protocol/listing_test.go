package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemAddressEscapesComposite(t *testing.T) {
	addr := DownloadAddress("192.168.1.5", 8080, CompositeID("h1", "c3ViL2EudHh0"))
	assert.Equal(t, "http://192.168.1.5:8080/download/h1%25c3ViL2EudHh0", addr)

	id, err := ValidateListingAddress(ListingAddress("10.0.0.2", 8081, "habc"))
	require.NoError(t, err)
	assert.Equal(t, "habc", id)
}

func TestSplitID(t *testing.T) {
	p, c := SplitID("h1%abc")
	assert.Equal(t, "h1", p)
	assert.Equal(t, "abc", c)

	p, c = SplitID("h1")
	assert.Equal(t, "h1", p)
	assert.Empty(t, c)
}

func TestValidateListingAddress(t *testing.T) {
	for _, addr := range []string{
		"",
		"ftp://10.0.0.2/file_list/h1",
		"https://10.0.0.2/file_list/h1",
		"http:///file_list/h1",
		"http://10.0.0.2/download/h1",
		"http://10.0.0.2/file_list/",
	} {
		_, err := ValidateListingAddress(addr)
		assert.Error(t, err, addr)
	}
}

func dirJSON(children string) []byte {
	return []byte(`{"id":"h1","downloadAddress":"http://x/download/h1","name":"dir","protocolTag":"h","isDir":true,"children":[` + children + `]}`)
}

const fileJSON = `{"id":"h1%YQ","downloadAddress":"http://x/download/h1%25YQ","name":"a","protocolTag":"h","isDir":false}`

func TestValidateDescriptor(t *testing.T) {
	d, err := ValidateDescriptor(dirJSON(`{"a":` + fileJSON + `}`))
	require.NoError(t, err)
	assert.True(t, d.IsDir)
	child, ok := d.Child("a")
	require.True(t, ok)
	assert.Equal(t, "h1%YQ", child.ID)

	_, err = ValidateDescriptor([]byte(fileJSON))
	require.NoError(t, err)

	bad := map[string][]byte{
		"not object":     []byte(`[1,2]`),
		"no isDir":       []byte(`{"id":"h1","downloadAddress":"x","name":"a","protocolTag":"h"}`),
		"file no name":   []byte(`{"id":"h1","downloadAddress":"x","protocolTag":"h","isDir":false}`),
		"dir no child":   []byte(`{"id":"h1","downloadAddress":"x","name":"a","protocolTag":"h","isDir":true}`),
		"two-key child":  dirJSON(`{"a":` + fileJSON + `,"b":` + fileJSON + `}`),
		"invalid nested": dirJSON(`{"a":{"isDir":false}}`),
		"child scalar":   dirJSON(`"a"`),
	}
	for name, raw := range bad {
		_, err := ValidateDescriptor(raw)
		assert.Error(t, err, name)
	}
}

func TestChildNamesDirectoriesFirst(t *testing.T) {
	d := &Descriptor{IsDir: true, Children: []map[string]*Descriptor{
		{"b.txt": {Name: "b.txt"}},
		{"zdir": {Name: "zdir", IsDir: true}},
		{"a.txt": {Name: "a.txt"}},
	}}
	assert.Equal(t, []string{"zdir", "a.txt", "b.txt"}, d.ChildNames())
}

func TestEnvelopeOmitsEmptyData(t *testing.T) {
	data, err := json.Marshal(Envelope{Errno: ErrnoNotFound, Errmsg: "not found"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"errno":404,"errmsg":"not found"}`, string(data))
}
