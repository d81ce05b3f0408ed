package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/artifact"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
}

// FlatFileAdapter profiles and transforms exported flat files. One artifact
// is one source entity: patients.csv, appointments.xlsx, invoices.json.
type FlatFileAdapter struct {
	vendor     string
	store      artifact.Store
	hashSecret []byte
}

// NewFlatFileAdapter returns an adapter for one vendor's flat-file exports.
func NewFlatFileAdapter(vendor string, store artifact.Store, hashSecret []byte) *FlatFileAdapter {
	return &FlatFileAdapter{vendor: vendor, store: store, hashSecret: hashSecret}
}

// ---------------------------------------------------------------------------
// Tabular parsing
// ---------------------------------------------------------------------------

// table is the normalized tabular form every supported format reduces to.
type table struct {
	entity string
	header []string
	rows   [][]string
}

func entityNameFromKey(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}

func (a *FlatFileAdapter) loadTable(ctx context.Context, ref artifact.Ref) (table, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return table{}, fmt.Errorf("loading artifact %s: %w", ref.Key, err)
	}

	entity := entityNameFromKey(ref.Key)
	switch strings.ToLower(path.Ext(ref.Key)) {
	case ".csv":
		return parseCSVTable(entity, data)
	case ".xlsx":
		return parseXLSXTable(entity, data)
	case ".json":
		return parseJSONTable(entity, data)
	default:
		return table{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ref.Key)
	}
}

func parseCSVTable(entity string, data []byte) (table, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return table{}, fmt.Errorf("reading csv %s: %w", entity, err)
	}
	return normalizeTable(entity, records)
}

func parseXLSXTable(entity string, data []byte) (table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return table{}, fmt.Errorf("opening xlsx %s: %w", entity, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return table{}, fmt.Errorf("xlsx %s has no sheets", entity)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return table{}, fmt.Errorf("reading xlsx %s: %w", entity, err)
	}
	return normalizeTable(entity, rows)
}

// parseJSONTable accepts an array of flat objects. Nested values are kept as
// compact JSON text so transforms stay string-in string-out.
func parseJSONTable(entity string, data []byte) (table, error) {
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return table{}, fmt.Errorf("parsing json %s: %w", entity, err)
	}
	if len(objects) == 0 {
		return table{entity: entity}, nil
	}

	keySet := map[string]bool{}
	for _, obj := range objects {
		for k := range obj {
			keySet[k] = true
		}
	}
	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)

	rows := make([][]string, 0, len(objects))
	for _, obj := range objects {
		row := make([]string, len(header))
		for i, k := range header {
			row[i] = stringifyValue(obj[k])
		}
		rows = append(rows, row)
	}
	return table{entity: entity, header: header, rows: rows}, nil
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func normalizeTable(entity string, records [][]string) (table, error) {
	var header []string
	var rows [][]string
	for _, row := range records {
		if isBlankRow(row) {
			continue
		}
		if header == nil {
			header = make([]string, len(row))
			for i, h := range row {
				header[i] = strings.TrimSpace(h)
			}
			continue
		}
		rows = append(rows, row)
	}
	if header == nil {
		return table{}, fmt.Errorf("%s: no header row found", entity)
	}
	return table{entity: entity, header: header, rows: rows}, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func (t table) cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func (t table) rowMap(row []string) map[string]string {
	m := make(map[string]string, len(t.header))
	for i, h := range t.header {
		if h == "" {
			continue
		}
		m[h] = t.cell(row, i)
	}
	return m
}

// ---------------------------------------------------------------------------
// Profiling
// ---------------------------------------------------------------------------

// Profile infers field names, types, null rates, PHI flags, and relationship
// hints from the artifacts. Literal values are examined in memory during
// inference and discarded; only statistics leave this function.
func (a *FlatFileAdapter) Profile(ctx context.Context, artifacts []artifact.Ref) (Profile, error) {
	if len(artifacts) == 0 {
		return Profile{}, ErrNoArtifacts
	}

	profile := Profile{
		SourceVendor: a.vendor,
		GeneratedAt:  time.Now().UTC(),
	}
	for _, ref := range artifacts {
		if err := ctx.Err(); err != nil {
			return Profile{}, err
		}
		tbl, err := a.loadTable(ctx, ref)
		if err != nil {
			return Profile{}, err
		}
		profile.Entities = append(profile.Entities, profileTable(tbl))
	}
	return profile, nil
}

func profileTable(tbl table) EntityProfile {
	entity := EntityProfile{
		EntityType:  tbl.entity,
		RecordCount: len(tbl.rows),
	}
	for col, name := range tbl.header {
		if name == "" {
			continue
		}
		entity.Fields = append(entity.Fields, profileColumn(tbl, col, name))
	}
	return entity
}

func profileColumn(tbl table, col int, name string) FieldProfile {
	nonNull := 0
	unique := map[string]struct{}{}
	var samples []string

	for _, row := range tbl.rows {
		value := tbl.cell(row, col)
		if value == "" {
			continue
		}
		nonNull++
		unique[value] = struct{}{}
		if len(samples) < 25 {
			samples = append(samples, value)
		}
	}

	return FieldProfile{
		Name:             name,
		InferredType:     inferType(samples, nonNull),
		PHI:              classifyPHI(name, samples),
		Distribution:     FormatDistribution(nonNull, len(tbl.rows), len(unique)),
		RelationshipHint: relationshipHint(tbl.entity, name),
	}
}

// inferType samples value syntax, never semantics. Precedence follows the
// narrowest parse that holds for every sampled value.
func inferType(samples []string, nonNull int) string {
	if nonNull == 0 {
		return "unknown"
	}
	isBool, isInt, isFloat, isTimestamp := true, true, true, true
	isObject, isArray := true, true

	for _, value := range samples {
		if !looksLikeBool(value) {
			isBool = false
		}
		if !looksLikeInt(value) {
			isInt = false
		}
		if !looksLikeFloat(value) {
			isFloat = false
		}
		if !looksLikeTimestamp(value) {
			isTimestamp = false
		}
		if !looksLikeJSON(value, '{', '}') {
			isObject = false
		}
		if !looksLikeJSON(value, '[', ']') {
			isArray = false
		}
	}

	switch {
	case isBool:
		return "bool"
	case isInt:
		return "int"
	case isFloat:
		return "float"
	case isTimestamp:
		return "timestamp"
	case isObject:
		return "object"
	case isArray:
		return "array"
	default:
		return "string"
	}
}

func looksLikeBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

func looksLikeInt(value string) bool {
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return true
	}
	return false
}

func looksLikeFloat(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

func looksLikeTimestamp(value string) bool {
	v := strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

func looksLikeJSON(value string, open, closing byte) bool {
	v := strings.TrimSpace(value)
	if len(v) < 2 || v[0] != open || v[len(v)-1] != closing {
		return false
	}
	return json.Valid([]byte(v))
}

// ---------------------------------------------------------------------------
// PHI classification
// ---------------------------------------------------------------------------

var phiNameStems = []string{
	"firstname", "lastname", "middlename", "fullname", "preferredname",
	"email", "phone", "mobile", "fax",
	"dob", "birth",
	"ssn", "social",
	"address", "street", "city", "zip", "postal",
	"mrn", "medicalrecord", "insurance", "guarantor", "subscriber",
}

var (
	emailValuePattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	ssnValuePattern   = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
)

// classifyPHI is advisory only; the phi package enforces the boundary. A
// field is flagged by name stem or when most sampled values look like
// emails, SSNs, or phone numbers.
func classifyPHI(name string, samples []string) bool {
	normalized := normalizeFieldName(name)
	if normalized == "name" {
		return true
	}
	for _, stem := range phiNameStems {
		if strings.Contains(normalized, stem) {
			return true
		}
	}

	if len(samples) == 0 {
		return false
	}
	matches := 0
	for _, value := range samples {
		if emailValuePattern.MatchString(value) || ssnValuePattern.MatchString(value) || looksLikePhone(value) {
			matches++
		}
	}
	return float64(matches) >= 0.6*float64(len(samples))
}

func looksLikePhone(value string) bool {
	digits := 0
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '+' || r == '.':
		default:
			return false
		}
	}
	return digits == 10 || digits == 11
}

func normalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Relationship hints
// ---------------------------------------------------------------------------

var relationshipStems = map[string]canonical.EntityType{
	"patient":     canonical.EntityPatient,
	"pat":         canonical.EntityPatient,
	"person":      canonical.EntityPatient,
	"client":      canonical.EntityPatient,
	"member":      canonical.EntityPatient,
	"appointment": canonical.EntityAppointment,
	"appt":        canonical.EntityAppointment,
	"booking":     canonical.EntityAppointment,
	"encounter":   canonical.EntityEncounter,
	"visit":       canonical.EntityEncounter,
	"chart":       canonical.EntityChart,
	"consent":     canonical.EntityConsent,
	"photo":       canonical.EntityPhoto,
	"image":       canonical.EntityPhoto,
	"document":    canonical.EntityDocument,
	"doc":         canonical.EntityDocument,
	"invoice":     canonical.EntityInvoice,
	"bill":        canonical.EntityInvoice,
}

// relationshipHint flags foreign-key-shaped names (*_id) pointing at another
// entity. A key naming the entity itself is its own identifier, not a
// relationship.
func relationshipHint(entity, fieldName string) string {
	normalized := normalizeFieldName(fieldName)
	if !strings.HasSuffix(normalized, "id") || normalized == "id" {
		return ""
	}
	stem := strings.TrimSuffix(normalized, "id")

	target, ok := relationshipStems[stem]
	if !ok {
		return ""
	}
	ownStem := strings.TrimSuffix(normalizeFieldName(entity), "s")
	if relationshipStems[ownStem] == target && relationshipStems[ownStem] != "" {
		return ""
	}
	return string(target)
}

// ---------------------------------------------------------------------------
// Transform
// ---------------------------------------------------------------------------

// Transform streams canonical records one at a time under an approved spec.
// Identical inputs yield identical records and IDs, so a run can re-enter
// this phase after a partial failure.
func (a *FlatFileAdapter) Transform(ctx context.Context, artifacts []artifact.Ref, spec mapping.Spec, yield YieldFunc) error {
	if len(artifacts) == 0 {
		return ErrNoArtifacts
	}
	if problems := spec.Problems(); len(problems) > 0 {
		return fmt.Errorf("spec is not valid: %s", strings.Join(problems, "; "))
	}

	tables := make(map[string]table, len(artifacts))
	for _, ref := range artifacts {
		tbl, err := a.loadTable(ctx, ref)
		if err != nil {
			return err
		}
		tables[strings.ToLower(tbl.entity)] = tbl
	}

	for _, em := range spec.EntityMappings {
		tbl, ok := tables[strings.ToLower(em.SourceEntity)]
		if !ok {
			continue
		}
		if err := a.transformEntity(ctx, tbl, em, yield); err != nil {
			return err
		}
	}
	return nil
}

func (a *FlatFileAdapter) transformEntity(ctx context.Context, tbl table, em mapping.EntityMapping, yield YieldFunc) error {
	plan := newEntityPlan(a.vendor, em, a.hashSecret)
	for i, row := range tbl.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := plan.buildRecord(tbl.rowMap(row), fmt.Sprintf("row-%d", i+1))
		if err != nil {
			return err
		}
		if err := yield(em.CanonicalType, rec); err != nil {
			return err
		}
	}
	return nil
}

var _ Adapter = (*FlatFileAdapter)(nil)
