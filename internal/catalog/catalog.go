// Package catalog imports the company list the worklist is built from.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/prospector/internal/account"
)

var ErrUnknownCompany = errors.New("unknown company")

//go:embed sample.json
var sampleJSON []byte

var validate = validator.New()

// Catalog is an immutable, ordered set of companies.
type Catalog struct {
	companies []account.Company
	byID      map[string]int
}

// New validates companies and indexes them by id, keeping input order.
func New(companies []account.Company) (*Catalog, error) {
	c := &Catalog{
		companies: make([]account.Company, 0, len(companies)),
		byID:      make(map[string]int, len(companies)),
	}
	for i, company := range companies {
		if err := validate.Struct(company); err != nil {
			return nil, fmt.Errorf("company %d (%q): %s", i, company.ID, describe(err))
		}
		if _, dup := c.byID[company.ID]; dup {
			return nil, fmt.Errorf("company %d: duplicate id %q", i, company.ID)
		}
		c.byID[company.ID] = len(c.companies)
		c.companies = append(c.companies, company)
	}
	return c, nil
}

// Load reads a JSON or YAML company list. YAML is chosen by the .yaml/.yml
// extension. Both a bare list and {"companies": [...]} are accepted.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read companies %q: %w", path, err)
	}
	var companies []account.Company
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		companies, err = decodeYAML(data)
	default:
		companies, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse companies %q: %w", path, err)
	}
	return New(companies)
}

// Sample is the bundled demo catalog used when no file is configured.
func Sample() *Catalog {
	companies, err := decodeJSON(sampleJSON)
	if err != nil {
		panic(fmt.Sprintf("catalog: bundled sample: %v", err))
	}
	c, err := New(companies)
	if err != nil {
		panic(fmt.Sprintf("catalog: bundled sample: %v", err))
	}
	return c
}

// SampleJSON returns the bundled sample file contents.
func SampleJSON() []byte { return append([]byte(nil), sampleJSON...) }

func decodeJSON(data []byte) ([]account.Company, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Companies []account.Company `json:"companies"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Companies, nil
	}
	var companies []account.Company
	if err := json.Unmarshal(data, &companies); err != nil {
		return nil, err
	}
	return companies, nil
}

func decodeYAML(data []byte) ([]account.Company, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.MappingNode {
		var wrapped struct {
			Companies []account.Company `yaml:"companies"`
		}
		if err := node.Decode(&wrapped); err != nil {
			return nil, err
		}
		return wrapped.Companies, nil
	}
	var companies []account.Company
	if err := node.Decode(&companies); err != nil {
		return nil, err
	}
	return companies, nil
}

// describe flattens validator output into "field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		parts = append(parts, ve.Field()+": "+ve.Tag())
	}
	sort.Strings(parts)
	return "invalid " + strings.Join(parts, ", ")
}

// Companies returns a copy of the list in import order.
func (c *Catalog) Companies() []account.Company {
	return append([]account.Company(nil), c.companies...)
}

func (c *Catalog) Len() int { return len(c.companies) }

// Get returns the company with id or ErrUnknownCompany.
func (c *Catalog) Get(id string) (account.Company, error) {
	i, ok := c.byID[id]
	if !ok {
		return account.Company{}, fmt.Errorf("%w: %q", ErrUnknownCompany, id)
	}
	return c.companies[i], nil
}

// Names maps company id to display name.
func (c *Catalog) Names() map[string]string {
	out := make(map[string]string, len(c.companies))
	for _, company := range c.companies {
		out[company.ID] = company.Name
	}
	return out
}
