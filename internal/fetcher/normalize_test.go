package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"DATA EMISSÃO", "DATA EMISSAO"},
		{"data emissão", "DATA EMISSAO"},
		{"  Pedido \t ", "PEDIDO"},
		{"Origem  x  Destino", "ORIGEM X DESTINO"},
		{"VALOR", "VALOR"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FoldHeader(tt.in), "FoldHeader(%q)", tt.in)
	}
}

func TestHeaderIndex(t *testing.T) {
	t.Parallel()

	idx := HeaderIndex([]string{"PEDIDO", "NF CTE", "Data Emissão", "", "VALOR"})

	assert.Equal(t, 0, idx["PEDIDO"])
	assert.Equal(t, 1, idx["NF CTE"])
	assert.Equal(t, 2, idx["DATA EMISSAO"])
	assert.Equal(t, 4, idx["VALOR"])
	assert.NotContains(t, idx, "")
}

func TestHeaderIndexFirstWins(t *testing.T) {
	t.Parallel()

	// Duplicate headers keep the leftmost column.
	idx := HeaderIndex([]string{"VALOR", "VALOR"})
	assert.Equal(t, 0, idx["VALOR"])
}
