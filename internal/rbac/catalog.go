package rbac

import (
	"fmt"
	"strings"
)

// Function kinds.
const (
	KindPage   = "page"
	KindAction = "action"
)

// Function describes a guardable capability.
type Function struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
	Group string `json:"group"`
}

// NavSection is a navigation category with its views.
type NavSection struct {
	Category string   `json:"category"`
	Views    []string `json:"views"`
}

// Catalog lists the functions known to the application and the default grant
// for each role.
type Catalog struct {
	nav       []NavSection
	functions []Function
	index     map[string]struct{}
	roleNav   map[string][]NavSection
	roleExtra map[string][]string
	allRoles  map[string]struct{}
}

// PageFunctionID returns the function key guarding a navigation view.
func PageFunctionID(category, view string) string {
	return fmt.Sprintf("page::%s::%s", strings.TrimSpace(category), strings.TrimSpace(view))
}

// Action function keys.
const (
	ActionAddAppointment    = "action::schedule::add_appointment"
	ActionEditAppointment   = "action::schedule::edit_appointment"
	ActionDeleteAppointment = "action::schedule::delete_appointment"
	ActionUpdateStatus      = "action::schedule::update_status"
	ActionAutoAllocate      = "action::schedule::auto_allocate"
	ActionTimeBlocks        = "action::schedule::time_blocks"
	ActionPunch             = "action::operations::punch"
	ActionDuties            = "action::operations::duties"
	ActionReminders         = "action::operations::reminders"
	ActionSaveControls      = "action::admin::save_controls"
	ActionUserManagement    = "action::admin::user_management"
	ActionPermissions       = "action::admin::permissions"
)

var defaultActions = []Function{
	{ID: ActionAddAppointment, Label: "Add Appointment"},
	{ID: ActionEditAppointment, Label: "Edit Appointment"},
	{ID: ActionDeleteAppointment, Label: "Delete Appointment"},
	{ID: ActionUpdateStatus, Label: "Update Appointment Status"},
	{ID: ActionAutoAllocate, Label: "Auto-Allocate Assistants"},
	{ID: ActionTimeBlocks, Label: "Manage Time Blocks"},
	{ID: ActionPunch, Label: "Punch In/Out"},
	{ID: ActionDuties, Label: "Manage Duties"},
	{ID: ActionReminders, Label: "Manage Reminders"},
	{ID: ActionSaveControls, Label: "Save/Conflict Controls"},
	{ID: ActionUserManagement, Label: "Manage Users"},
	{ID: ActionPermissions, Label: "Function Access Control"},
}

var defaultNavigation = []NavSection{
	{Category: "Scheduling", Views: []string{"Full Schedule", "Schedule by OP", "Ongoing", "Upcoming"}},
	{Category: "Assistants", Views: []string{"Manage Profiles", "Availability", "Auto-Allocation", "Workload", "Attendance"}},
	{Category: "Doctors", Views: []string{"Manage Profiles", "Overview", "Summary", "Per-Doctor Schedule"}},
	{Category: "Admin/Settings", Views: []string{"User Management", "Storage & Backup", "Notifications", "Duties Manager"}},
}

// DefaultCatalog returns the clinic scheduling catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultNavigation, defaultActions,
		map[string][]NavSection{
			"frontdesk": {
				{Category: "Scheduling", Views: []string{"Full Schedule", "Schedule by OP", "Ongoing", "Upcoming"}},
				{Category: "Assistants", Views: []string{"Attendance"}},
			},
			"assistant": {
				{Category: "Scheduling", Views: []string{"Full Schedule", "Ongoing", "Upcoming"}},
				{Category: "Assistants", Views: []string{"Attendance"}},
			},
		},
		map[string][]string{
			"assistant": {ActionPunch, ActionDuties, ActionReminders, ActionUpdateStatus},
			"frontdesk": {
				ActionPunch, ActionDuties, ActionReminders,
				ActionAddAppointment, ActionEditAppointment, ActionDeleteAppointment, ActionUpdateStatus,
			},
		},
		"admin",
	)
}

// NewCatalog builds a catalog. Roles listed in fullAccess default to every
// function; other roles default to their navigation pages plus extra actions.
func NewCatalog(nav []NavSection, actions []Function, roleNav map[string][]NavSection, roleExtra map[string][]string, fullAccess ...string) *Catalog {
	c := &Catalog{
		nav:       cloneNav(nav),
		index:     make(map[string]struct{}),
		roleNav:   make(map[string][]NavSection, len(roleNav)),
		roleExtra: make(map[string][]string, len(roleExtra)),
		allRoles:  make(map[string]struct{}, len(fullAccess)),
	}
	for _, section := range c.nav {
		for _, view := range section.Views {
			c.add(Function{
				ID:    PageFunctionID(section.Category, view),
				Label: section.Category + " → " + view,
				Kind:  KindPage,
				Group: section.Category,
			})
		}
	}
	for _, action := range actions {
		action.Kind = KindAction
		if action.Group == "" {
			action.Group = "Actions"
		}
		c.add(action)
	}
	for role, sections := range roleNav {
		c.roleNav[NormalizeRole(role)] = cloneNav(sections)
	}
	for role, extra := range roleExtra {
		c.roleExtra[NormalizeRole(role)] = append([]string(nil), extra...)
	}
	for _, role := range fullAccess {
		c.allRoles[NormalizeRole(role)] = struct{}{}
	}
	return c
}

func (c *Catalog) add(fn Function) {
	if _, ok := c.index[fn.ID]; ok {
		return
	}
	c.index[fn.ID] = struct{}{}
	c.functions = append(c.functions, fn)
}

// Functions returns the catalog in declaration order.
func (c *Catalog) Functions() []Function {
	return append([]Function(nil), c.functions...)
}

// Navigation returns the full navigation structure.
func (c *Catalog) Navigation() []NavSection {
	return cloneNav(c.nav)
}

// IDs returns every function key in the catalog.
func (c *Catalog) IDs() FunctionSet {
	out := make(FunctionSet, len(c.index))
	for id := range c.index {
		out[id] = struct{}{}
	}
	return out
}

// Known reports whether id is in the catalog.
func (c *Catalog) Known(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Unknown returns the keys of set that are not in the catalog, sorted.
func (c *Catalog) Unknown(set FunctionSet) []string {
	var out []string
	for _, id := range set.Sorted() {
		if !c.Known(id) {
			out = append(out, id)
		}
	}
	return out
}

// Roles returns the roles that have built-in defaults.
func (c *Catalog) Roles() []string {
	seen := make(FunctionSet)
	for role := range c.allRoles {
		seen[role] = struct{}{}
	}
	for role := range c.roleNav {
		seen[role] = struct{}{}
	}
	for role := range c.roleExtra {
		seen[role] = struct{}{}
	}
	return seen.Sorted()
}

// DefaultRolePermissions returns the built-in grant for role. Roles without
// defaults get an empty set.
func (c *Catalog) DefaultRolePermissions(role string) FunctionSet {
	role = NormalizeRole(role)
	if _, ok := c.allRoles[role]; ok {
		return c.IDs()
	}
	out := make(FunctionSet)
	for _, section := range c.roleNav[role] {
		for _, view := range section.Views {
			out[PageFunctionID(section.Category, view)] = struct{}{}
		}
	}
	for _, id := range c.roleExtra[role] {
		out[id] = struct{}{}
	}
	return out
}

// AllowedNavigation filters the navigation to the views allowed permits.
// Sections with no allowed view are omitted.
func (c *Catalog) AllowedNavigation(allowed FunctionSet) []NavSection {
	var out []NavSection
	for _, section := range c.nav {
		var views []string
		for _, view := range section.Views {
			if allowed.Has(PageFunctionID(section.Category, view)) {
				views = append(views, view)
			}
		}
		if len(views) > 0 {
			out = append(out, NavSection{Category: section.Category, Views: views})
		}
	}
	return out
}

func cloneNav(in []NavSection) []NavSection {
	out := make([]NavSection, len(in))
	for i, section := range in {
		out[i] = NavSection{Category: section.Category, Views: append([]string(nil), section.Views...)}
	}
	return out
}
