package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// CreateProject inserts a project and returns it with its id set.
func (s *Store) CreateProject(p *types.Project) (*types.Project, error) {
	now := types.Now()
	secrets, err := marshalMap(p.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secrets: %w", err)
	}
	models, err := marshalMap(p.DefaultModels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode default models: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO projects (name, git_url, base_branch, ci_provider, secrets, default_models, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.GitURL, p.BaseBranch, p.CIProvider, secrets, models, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get project id: %w", err)
	}

	out := *p
	out.ID = id
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// GetProject returns the project by id, or nil when it does not exist.
func (s *Store) GetProject(id int64) (*types.Project, error) {
	return s.scanProject(s.db.QueryRow(`
		SELECT id, name, git_url, base_branch, ci_provider, secrets, default_models, created_at, updated_at
		FROM projects WHERE id = ?`, id))
}

// GetProjectByName returns the project by name, or nil when it does not exist.
func (s *Store) GetProjectByName(name string) (*types.Project, error) {
	return s.scanProject(s.db.QueryRow(`
		SELECT id, name, git_url, base_branch, ci_provider, secrets, default_models, created_at, updated_at
		FROM projects WHERE name = ?`, name))
}

// ListProjects returns all projects ordered by id.
func (s *Store) ListProjects() ([]*types.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, git_url, base_branch, ci_provider, secrets, default_models, created_at, updated_at
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		p, err := s.scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProject(row *sql.Row) (*types.Project, error) {
	p, err := s.scanProjectRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) scanProjectRow(row rowScanner) (*types.Project, error) {
	var p types.Project
	var secrets, models sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.BaseBranch, &p.CIProvider, &secrets, &models, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	if p.Secrets, err = unmarshalStringMap(secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	if p.DefaultModels, err = unmarshalStringMap(models); err != nil {
		return nil, fmt.Errorf("failed to decode default models: %w", err)
	}
	return &p, nil
}

func marshalMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
