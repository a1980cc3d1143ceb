package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
)

// headerScanRows bounds how far down a statement the header row is searched;
// banks put account details above it.
const headerScanRows = 15

var (
	alnumRun      = regexp.MustCompile(`[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*`)
	nonAlnum      = regexp.MustCompile(`[^A-Za-z0-9]+`)
	currencyCode  = regexp.MustCompile(`^[A-Za-z]{3}\s*|\s*[A-Za-z]{3}$`)
	plainNumber   = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	accentsFolder = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n")
)

type columnRole int

const (
	colDate columnRole = iota
	colAmount
	colCredit
	colDebit
	colDescription
)

// Header keywords, Spanish and English, checked in this order.
var headerKeywords = []struct {
	role  columnRole
	words []string
}{
	{colDate, []string{"fecha", "date"}},
	{colCredit, []string{"abono", "deposito", "credit", "deposit"}},
	{colDebit, []string{"cargo", "retiro", "debit", "withdrawal"}},
	{colAmount, []string{"monto", "importe", "amount", "cantidad"}},
	{colDescription, []string{"descripcion", "concepto", "referencia", "detalle", "description", "reference", "memo"}},
}

// RowError is a statement row that could not be turned into a transaction.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

func (e RowError) String() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// ParsedStatement is the importer output: transactions in file order plus the
// rows that failed to parse. Rows counts every non-blank data row.
type ParsedStatement struct {
	Transactions []models.BankTransaction
	Errors       []RowError
	Rows         int
}

// Importer turns CSV or XLSX bank statements into transactions.
type Importer struct {
	layouts   []string
	separator string
	folio     *regexp.Regexp
	columns   config.ColumnMapping
}

func NewImporter(policy config.ReconciliationPolicy) (*Importer, error) {
	folio, err := regexp.Compile(policy.FolioPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid folio pattern: %w", err)
	}
	layouts := policy.DateLayouts
	if len(layouts) == 0 {
		layouts = config.DefaultPolicy().Reconciliation.DateLayouts
	}
	return &Importer{layouts: layouts, separator: policy.DecimalSeparator, folio: folio, columns: policy.Columns}, nil
}

// Parse reads a whole statement. It fails only when the file itself cannot be
// read; bad rows end up in ParsedStatement.Errors.
func (i *Importer) Parse(r io.Reader, fileName string) (*ParsedStatement, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(r)
	default:
		rows, err = readCSV(r)
	}
	if err != nil {
		return nil, err
	}
	return i.ParseRows(rows), nil
}

func readCSV(r io.Reader) ([][]string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read statement: %w", err)
	}
	text := strings.TrimPrefix(string(raw), "\ufeff")

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	if firstLine, _, _ := strings.Cut(text, "\n"); strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		reader.Comma = ';'
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed CSV statement: %w", err)
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("malformed XLSX statement: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("XLSX statement has no sheets")
	}
	// Raw values keep date cells as serial numbers instead of locale text.
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

type columnMap map[columnRole][]int

func (m columnMap) first(role columnRole) int {
	if cols := m[role]; len(cols) > 0 {
		return cols[0]
	}
	return -1
}

func (m columnMap) usable() bool {
	return m.first(colDate) >= 0 && (m.first(colAmount) >= 0 || m.first(colCredit) >= 0)
}

// ParseRows parses rows already split into cells. Row numbers in the output
// are 1-based positions in rows.
func (i *Importer) ParseRows(rows [][]string) *ParsedStatement {
	out := &ParsedStatement{}

	cols, start := i.detectHeader(rows)
	for idx := start; idx < len(rows); idx++ {
		cells := trimCells(rows[idx])
		if blank(cells) {
			continue
		}
		out.Rows++
		tx, err := i.parseRow(idx+1, cells, cols)
		if err != nil {
			out.Errors = append(out.Errors, RowError{Row: idx + 1, Message: err.Error()})
			continue
		}
		out.Transactions = append(out.Transactions, tx)
	}
	return out
}

// detectHeader finds the header row and returns the column map plus the index
// of the first data row. Without a header, columns are date, description, amount.
func (i *Importer) detectHeader(rows [][]string) (columnMap, int) {
	role := headerRole
	if !i.columns.IsZero() {
		role = i.mappedRole
	}
	for idx := 0; idx < len(rows) && idx < headerScanRows; idx++ {
		cols := columnMap{}
		for c, cell := range rows[idx] {
			if r, ok := role(cell); ok {
				cols[r] = append(cols[r], c)
			}
		}
		if cols.usable() {
			return cols, idx + 1
		}
	}
	return columnMap{colDate: {0}, colDescription: {1}, colAmount: {2}}, 0
}

// mappedRole resolves a header cell through the configured column names.
func (i *Importer) mappedRole(cell string) (columnRole, bool) {
	name := strings.TrimSpace(cell)
	if name == "" {
		return 0, false
	}
	switch {
	case strings.EqualFold(name, i.columns.Date):
		return colDate, true
	case strings.EqualFold(name, i.columns.Amount):
		return colAmount, true
	case strings.EqualFold(name, i.columns.Credit):
		return colCredit, true
	case strings.EqualFold(name, i.columns.Debit):
		return colDebit, true
	}
	for _, d := range i.columns.Description {
		if strings.EqualFold(name, d) {
			return colDescription, true
		}
	}
	return 0, false
}

func headerRole(cell string) (columnRole, bool) {
	name := accentsFolder.Replace(strings.ToLower(strings.TrimSpace(cell)))
	if name == "" {
		return 0, false
	}
	for _, kw := range headerKeywords {
		for _, w := range kw.words {
			if strings.Contains(name, w) {
				return kw.role, true
			}
		}
	}
	return 0, false
}

func (i *Importer) parseRow(rowNum int, cells []string, cols columnMap) (models.BankTransaction, error) {
	tx := models.BankTransaction{
		Row:     rowNum,
		Raw:     cells,
		RawDate: cell(cells, cols.first(colDate)),
	}

	var descParts []string
	for _, c := range cols[colDescription] {
		if v := cell(cells, c); v != "" {
			descParts = append(descParts, v)
		}
	}
	tx.RawDescription = strings.Join(descParts, " ")

	date, err := i.parseDate(tx.RawDate)
	if err != nil {
		return tx, err
	}
	tx.Date = date

	amount, raw, err := i.rowAmount(cells, cols)
	tx.RawAmount = raw
	if err != nil {
		return tx, err
	}
	tx.Amount = amount
	tx.Reference = i.ReferenceToken(tx.RawDescription)
	return tx, nil
}

// rowAmount reads either a signed amount column or a credit/debit pair.
func (i *Importer) rowAmount(cells []string, cols columnMap) (decimal.Decimal, string, error) {
	if c := cols.first(colAmount); c >= 0 && cell(cells, c) != "" {
		raw := cell(cells, c)
		amount, err := ParseAmount(raw, i.separator)
		return amount, raw, err
	}
	if c := cols.first(colCredit); c >= 0 && cell(cells, c) != "" {
		raw := cell(cells, c)
		amount, err := ParseAmount(raw, i.separator)
		return amount, raw, err
	}
	if c := cols.first(colDebit); c >= 0 && cell(cells, c) != "" {
		raw := cell(cells, c)
		amount, err := ParseAmount(raw, i.separator)
		return amount.Abs().Neg(), raw, err
	}
	return decimal.Zero, "", errors.New("missing amount")
}

func (i *Importer) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing date")
	}
	value := raw
	// Timestamps carry a time part the statement does not need.
	if d, _, found := strings.Cut(raw, " "); found {
		value = d
	}
	for _, layout := range i.layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	// Spreadsheets without a date format hand over the serial day number.
	if plainNumber.MatchString(raw) {
		if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 {
			if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
				y, m, d := t.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

// ParseAmount normalizes a bank amount: currency symbols and codes, thousands
// separators, comma or dot decimals, parentheses or a trailing minus for
// negatives. separator forces the decimal separator; empty means detect.
func ParseAmount(raw, separator string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = currencyCode.ReplaceAllString(s, "")
	s = strings.NewReplacer("$", "", "€", "", "£", "", " ", "", "\u00a0", "", "'", "").Replace(s)

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimPrefix(s, "-")
	} else {
		s = strings.TrimPrefix(s, "+")
	}

	if s == "" || strings.Trim(s, "0123456789.,") != "" || strings.Trim(s, ".,") == "" {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}

	normalized, err := normalizeSeparators(s, separator)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %v", raw, err)
	}
	amount, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, fmt.Errorf("invalid amount %q: more than two decimal places", raw)
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

func normalizeSeparators(s, separator string) (string, error) {
	var decimalSep, thousands string
	switch separator {
	case ",":
		decimalSep, thousands = ",", "."
	case ".":
		decimalSep, thousands = ".", ","
	default:
		decimalSep, thousands = guessSeparators(s)
	}

	intPart, frac := s, ""
	if decimalSep != "" {
		if strings.Count(s, decimalSep) > 1 {
			return "", errors.New("more than one decimal separator")
		}
		if idx := strings.LastIndex(s, decimalSep); idx >= 0 {
			intPart, frac = s[:idx], s[idx+1:]
		}
	}
	if thousands != "" && strings.Contains(frac, thousands) {
		return "", errors.New("thousands separator after the decimal separator")
	}

	if thousands != "" && strings.Contains(intPart, thousands) {
		groups := strings.Split(intPart, thousands)
		for g, group := range groups {
			if (g == 0 && (len(group) == 0 || len(group) > 3)) || (g > 0 && len(group) != 3) {
				return "", errors.New("misplaced thousands separator")
			}
		}
		intPart = strings.Join(groups, "")
	}
	if intPart == "" {
		intPart = "0"
	}
	if frac == "" {
		return intPart, nil
	}
	return intPart + "." + frac, nil
}

// guessSeparators returns the decimal and thousands marks of s. With both
// marks present the last one is decimal; a lone mark is decimal unless it
// repeats or is followed by exactly three digits.
func guessSeparators(s string) (decimalSep, thousands string) {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			return ",", "."
		}
		return ".", ","
	case lastComma < 0 && lastDot < 0:
		return "", ""
	}

	mark, other, idx := ",", ".", lastComma
	if lastDot >= 0 {
		mark, other, idx = ".", ",", lastDot
	}
	// A leading zero group cannot be a thousands group.
	if strings.Count(s, mark) == 1 && (len(s)-idx-1 != 3 || strings.Trim(s[:idx], "0") == "") {
		return mark, other
	}
	return "", mark
}

// ReferenceToken extracts the longest alphanumeric run of description that
// looks like a charge folio, upper-cased. Hyphenated runs are tried joined
// and piece by piece. Ties keep the first candidate.
func (i *Importer) ReferenceToken(description string) string {
	best := ""
	for _, run := range alnumRun.FindAllString(description, -1) {
		candidates := []string{FolioKey(run)}
		if strings.Contains(run, "-") {
			candidates = append(candidates, strings.Split(strings.ToUpper(run), "-")...)
		}
		for _, candidate := range candidates {
			if i.folio.MatchString(candidate) && len(candidate) > len(best) {
				best = candidate
			}
		}
	}
	return best
}

// FolioKey is the form a folio takes in a reference token: upper case with
// separators removed.
func FolioKey(folio string) string {
	return strings.ToUpper(nonAlnum.ReplaceAllString(folio, ""))
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

func trimCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
