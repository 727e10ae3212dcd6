// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract pulls OEM variables out of Turtle exports. It is the only
// package that touches RDF triples; everything downstream works on plain
// Variable values.
package extract

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/knakk/rdf"

	"github.com/AleutianAI/ontoalign/services/align/routing"
)

// Vocabulary IRIs of the OEM export format. The fmu namespace is the
// example.com one the exporter emits; it is part of the wire format, not a
// placeholder.
const (
	iriRDFType            = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	iriObservableProperty = "http://www.w3.org/ns/sosa/ObservableProperty"
	iriFMUVariableName    = "http://example.com/fmu#hasFMUVariableName"
	iriQUDTUnit           = "http://qudt.org/2.1/schema/qudt#unit"
)

// Variable is one observable property extracted from a Turtle file.
type Variable struct {
	// ID is the subject IRI.
	ID string

	// Name is the fmu:hasFMUVariableName literal.
	Name string

	// Unit is the canonical unit token: the normalized qudt:unit value
	// when present, else a unit inferred from the name, else "".
	Unit string
}

// FromFile extracts variables from a Turtle file. See FromReader.
func FromFile(path string, logger *slog.Logger) ([]Variable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open turtle file: %w", err)
	}
	defer f.Close()
	vars, err := FromReader(f, logger)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return vars, nil
}

// FromReader extracts variables from Turtle input.
//
// # Description
//
// A variable is a subject typed sosa:ObservableProperty that carries an
// fmu:hasFMUVariableName literal. Subjects are emitted in the order their
// type triple first appears, deduplicated by name with first occurrence
// winning, so repeated exports of the same signal do not multiply routing
// calls. A subject without a name literal is dropped. qudt:unit is
// optional; when present its value is normalized, and when absent or
// unrecognized the unit is inferred from the variable name.
//
// # Outputs
//
//   - []Variable: Ordered, name-deduplicated variables. May be empty.
//   - error: Non-nil on malformed Turtle. Parse errors are fatal for the
//     file, not silently skipped: a truncated export must not look like an
//     empty one.
func FromReader(r io.Reader, logger *slog.Logger) ([]Variable, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dec := rdf.NewTripleDecoder(r, rdf.Turtle)
	triples, err := dec.DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("decode turtle: %w", err)
	}

	// Subject order follows the first rdf:type triple; name and unit
	// triples may appear anywhere in the file.
	var order []string
	names := make(map[string]string)
	units := make(map[string]string)
	typed := make(map[string]bool)

	for _, t := range triples {
		subj := t.Subj.String()
		switch t.Pred.String() {
		case iriRDFType:
			if t.Obj.String() == iriObservableProperty && !typed[subj] {
				typed[subj] = true
				order = append(order, subj)
			}
		case iriFMUVariableName:
			names[subj] = t.Obj.String()
		case iriQUDTUnit:
			units[subj] = t.Obj.String()
		}
	}

	out := make([]Variable, 0, len(order))
	seen := make(map[string]bool)
	for _, subj := range order {
		name, ok := names[subj]
		if !ok || name == "" {
			logger.Debug("observable property without variable name dropped",
				slog.String("subject", subj))
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		unit := routing.NormalizeUnitToken(units[subj])
		if unit == "" {
			unit = routing.InferUnitFromName(name)
		}
		out = append(out, Variable{ID: subj, Name: name, Unit: unit})
	}
	return out, nil
}
