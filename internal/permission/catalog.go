package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Built-in permission identifiers
const (
	StudentsView   = "Students.View"
	StudentsCreate = "Students.Create"
	StudentsEdit   = "Students.Edit"
	StudentsDelete = "Students.Delete"
	ParentsView    = "Parents.View"
	ParentsEdit    = "Parents.Edit"
	ClassesView    = "Classes.View"
	ClassesManage  = "Classes.Manage"
	ExamsView      = "Exams.View"
	ExamsGrade     = "Exams.Grade"
	FeesView       = "Fees.View"
	FeesCollect    = "Fees.Collect"
	ReportsView    = "Reports.View"
	ReportsExport  = "Reports.Export"
	AccountsView   = "Accounts.View"
	AccountsManage = "Accounts.Manage"
	AccountsLock   = "Accounts.Lock"
	RolesManage    = "Roles.Manage"
)

var (
	ErrUnknown     = errors.New("unknown permission")
	ErrInvalidName = errors.New("invalid permission name")
)

// Definition describes one catalogued permission
type Definition struct {
	Name        string
	Description string
	Sensitive   bool
}

var builtin = []Definition{
	{Name: StudentsView, Description: "View student records"},
	{Name: StudentsCreate, Description: "Enrol students"},
	{Name: StudentsEdit, Description: "Edit student records"},
	{Name: StudentsDelete, Description: "Remove student records", Sensitive: true},
	{Name: ParentsView, Description: "View parent and guardian records"},
	{Name: ParentsEdit, Description: "Edit parent and guardian records"},
	{Name: ClassesView, Description: "View classes and timetables"},
	{Name: ClassesManage, Description: "Create and change classes"},
	{Name: ExamsView, Description: "View exam results"},
	{Name: ExamsGrade, Description: "Record and amend grades", Sensitive: true},
	{Name: FeesView, Description: "View fee statements"},
	{Name: FeesCollect, Description: "Record fee payments", Sensitive: true},
	{Name: ReportsView, Description: "View reports"},
	{Name: ReportsExport, Description: "Export reports"},
	{Name: AccountsView, Description: "View user accounts"},
	{Name: AccountsManage, Description: "Create accounts and reset passwords", Sensitive: true},
	{Name: AccountsLock, Description: "Lock and unlock accounts", Sensitive: true},
	{Name: RolesManage, Description: "Manage roles, grants and overrides", Sensitive: true},
}

// Catalog is the closed set of permission names the service accepts
type Catalog struct {
	defs map[string]Definition
}

// Default returns the built-in catalog
func Default() *Catalog {
	c, err := New(builtin...)
	if err != nil {
		panic(err)
	}
	return c
}

// New builds a catalog, rejecting malformed or duplicate names
func New(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	if err := c.add(defs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Extend returns a copy of the catalog with extra names from configuration
func (c *Catalog) Extend(names ...string) (*Catalog, error) {
	next := &Catalog{defs: make(map[string]Definition, len(c.defs)+len(names))}
	for k, v := range c.defs {
		next.defs[k] = v
	}
	for _, name := range names {
		if _, ok := next.defs[name]; ok {
			continue
		}
		if err := next.add(Definition{Name: name}); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (c *Catalog) add(defs ...Definition) error {
	for _, d := range defs {
		if err := validName(d.Name); err != nil {
			return err
		}
		if _, dup := c.defs[d.Name]; dup {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidName, d.Name)
		}
		c.defs[d.Name] = d
	}
	return nil
}

// validName enforces the Area.Action shape
func validName(name string) error {
	area, action, ok := strings.Cut(name, ".")
	if !ok || area == "" || action == "" || strings.ContainsAny(name, " \t\n") || strings.Count(name, ".") != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Has reports whether name is catalogued; matching is case-sensitive
func (c *Catalog) Has(name string) bool {
	_, ok := c.defs[name]
	return ok
}

// Lookup returns the definition for name
func (c *Catalog) Lookup(name string) (Definition, error) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return d, nil
}

// Validate returns an error naming every uncatalogued entry
func (c *Catalog) Validate(names ...string) error {
	var unknown []string
	for _, n := range names {
		if !c.Has(n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: %s", ErrUnknown, strings.Join(unknown, ", "))
}

// Definitions lists the catalog sorted by name
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
