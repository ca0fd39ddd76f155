package gateway

import "net/url"

// resource is a PostgREST table exposed under /api.
type resource struct {
	plural   string
	singular string
}

var resources = []resource{
	{plural: "users", singular: "user"},
	{plural: "posts", singular: "post"},
}

// Each operation derives its own instance name, so reads and writes on
// the same id land on different instances.
func (r resource) listName() string { return r.plural }
func (r resource) itemName(id string) string { return r.singular + "-" + id }
func (r resource) createName() string { return "create-" + r.singular }
func (r resource) updateName(id string) string { return "update-" + r.singular + "-" + id }
func (r resource) deleteName(id string) string { return "delete-" + r.singular + "-" + id }

func (r resource) collectionPath() string {
	return "/" + r.plural
}

func (r resource) itemPath(id string) string {
	return "/" + r.plural + "?id=eq." + url.QueryEscape(id)
}
