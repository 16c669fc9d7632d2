package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "root.sg1.d1"},
		{"int64", int64(9876543210)},
		{"slice", []int{1, 2, 3, 4, 5}},
		{"map", map[string]interface{}{"source.mode": "query", "sink.batch.enable": true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
		})
	}
}

func TestMarshal_SortedMapKeysAreStable(t *testing.T) {
	a := map[string]string{"b": "2", "a": "1", "c": "3"}
	b := map[string]string{"c": "3", "a": "1", "b": "2"}

	first, err := Marshal(a)
	require.NoError(t, err)
	second, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[string]interface{}{"goroutine": id, "iteration": j})
				if err != nil || len(data) == 0 {
					t.Errorf("marshal failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestUnmarshal_BytesBecomeString(t *testing.T) {
	data, err := Marshal([]interface{}{[]byte{0xDE, 0xAD}, "text", int64(7)})
	require.NoError(t, err)

	var result []interface{}
	require.NoError(t, Unmarshal(data, &result))
	require.Len(t, result, 3)

	assert.Equal(t, string([]byte{0xDE, 0xAD}), result[0])
	assert.Equal(t, "text", result[1])
	assert.Equal(t, int64(7), result[2])
}

func TestCodec_RoundTripStruct(t *testing.T) {
	type frame struct {
		Kind int
		Body []byte
	}

	c := Codec{}
	assert.Equal(t, "msgpack", c.Name())

	data, err := c.Marshal(&frame{Kind: 3, Body: []byte("piece")})
	require.NoError(t, err)

	var out frame
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, 3, out.Kind)
	assert.Equal(t, []byte("piece"), out.Body)
}
