package repository

import (
	"fmt"
	"strings"

	"github.com/unipass/backend/internal/docstore"
)

const queryCypherTemplate = `
MATCH (n:%s)%s
RETURN n.id AS id, n.version AS version, %s AS fields
ORDER BY n.id%s
`

const createCypherTemplate = `
CREATE (n:%s)
SET n = $fields, n.id = $id, n.version = 1
RETURN n.id AS id, n.version AS version, properties(n) AS fields
`

const saveCypherTemplate = `
MATCH (n:%s {id: $id})
WITH n, n.version = $version AS fresh
FOREACH (_ IN CASE WHEN fresh THEN [1] ELSE [] END |
	SET n += $fields, n.version = n.version + 1
)
RETURN fresh, n.version AS version, properties(n) AS fields
`

const deleteCypherTemplate = `
MATCH (n:%s {id: $id})
DETACH DELETE n
`

const schemaCypherTemplate = `
CREATE CONSTRAINT %s_id_unique IF NOT EXISTS
FOR (n:%s) REQUIRE n.id IS UNIQUE
`

// compileQuery converts a docstore query into parameterized Cypher. Values
// are always bound as parameters; identifiers are validated first. Results
// are ordered by id so limits are deterministic.
func compileQuery(q docstore.Query) (string, map[string]any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	c := &predicateCompiler{params: map[string]any{}}
	where := ""
	if q.Filter != nil {
		clause, err := c.compile(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = "\nWHERE " + clause
	}

	limit := ""
	if q.Limit > 0 {
		limit = "\nLIMIT $limit"
		c.params["limit"] = int64(q.Limit)
	}

	return fmt.Sprintf(queryCypherTemplate, q.Type, where, projection(q.Fields), limit), c.params, nil
}

func projection(fields []string) string {
	if len(fields) == 0 {
		return "properties(n)"
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = "." + f
	}
	return "n {" + strings.Join(parts, ", ") + "}"
}

func compileCreate(recordType string) (string, error) {
	l, err := label(recordType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(createCypherTemplate, l), nil
}

func compileSave(recordType string) (string, error) {
	l, err := label(recordType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(saveCypherTemplate, l), nil
}

func compileDelete(recordType string) (string, error) {
	l, err := label(recordType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(deleteCypherTemplate, l), nil
}

func compileSchema(recordType string) (string, error) {
	l, err := label(recordType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(schemaCypherTemplate, lowerLabel(l), l), nil
}

type predicateCompiler struct {
	params map[string]any
	next   int
}

func (c *predicateCompiler) bind(v any) string {
	name := fmt.Sprintf("p%d", c.next)
	c.next++
	c.params[name] = v
	return "$" + name
}

func (c *predicateCompiler) compile(p docstore.Predicate) (string, error) {
	switch pred := p.(type) {
	case docstore.Equals:
		return fmt.Sprintf("n.%s = %s", pred.Field, c.bind(pred.Value)), nil
	case docstore.In:
		return fmt.Sprintf("n.%s IN %s", pred.Field, c.bind(pred.Values)), nil
	case docstore.Contains:
		return fmt.Sprintf("%s IN n.%s", c.bind(pred.Value), pred.Field), nil
	case docstore.ContainsAny:
		return fmt.Sprintf("any(x IN n.%s WHERE x IN %s)", pred.Field, c.bind(pred.Values)), nil
	case docstore.HasPrefix:
		return fmt.Sprintf("n.%s STARTS WITH %s", pred.Field, c.bind(pred.Prefix)), nil
	case docstore.And:
		if len(pred) == 0 {
			return "true", nil
		}
		parts := make([]string, 0, len(pred))
		for _, inner := range pred {
			clause, err := c.compile(inner)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+clause+")")
		}
		return strings.Join(parts, " AND "), nil
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}
