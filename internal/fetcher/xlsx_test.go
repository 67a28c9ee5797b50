package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheetName string, rows [][]string) string {
	t.Helper()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	require.NoError(t, err)

	for _, row := range rows {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}

	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	t.Parallel()

	path := createTestXLSX(t, "Planilha1", [][]string{
		{"PEDIDO", "NF CTE", "VALOR"},
		{"600708542", "12345", "1421,95"},
		{"600708542", "12346", "1421,96"},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"PEDIDO", "NF CTE", "VALOR"}, rows[0])
	assert.Equal(t, "600708542", rows[1][0])
}

func TestReadXLSXSkipRows(t *testing.T) {
	t.Parallel()

	path := createTestXLSX(t, "Planilha1", [][]string{
		{"RELATORIO DE FRETES"},
		{"PEDIDO", "VALOR"},
		{"600708542", "10,00"},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SkipRows: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "PEDIDO", rows[0][0])
}

func TestReadXLSXByName(t *testing.T) {
	t.Parallel()

	path := createTestXLSX(t, "Medicao", [][]string{{"PEDIDO"}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Inexistente"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Inexistente" not found`)

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Medicao"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReadXLSXSheetIndexOutOfRange(t *testing.T) {
	t.Parallel()

	path := createTestXLSX(t, "Planilha1", [][]string{{"PEDIDO"}})

	_, err := ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReadXLSXMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), XLSXOptions{})
	require.Error(t, err)
}
