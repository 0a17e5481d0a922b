/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type section int

const (
	sectionNone section = iota
	sectionSettings
	sectionVariables
	sectionTests
	sectionKeywords
	sectionComments
)

// A logical line of test data, with continuation lines already merged.
type statement struct {
	cells    []string
	line     int
	indented bool
}

// ParseFile reads and parses a test data file.
func ParseFile(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read test data file: %w", err)
	}
	return Parse(path, string(content)), nil
}

// Parse parses test data. Syntax errors are collected in File.Errors.
func Parse(source string, content string) *File {
	f := &File{Source: source, Settings: Settings{Metadata: map[string]string{}}}
	curdir := strings.ReplaceAll(filepath.Dir(source), `\`, `\\`)

	var stmts []statement
	current := sectionNone
	sections := map[section][]statement{}

	flush := func() {
		if current != sectionNone {
			sections[current] = append(sections[current], stmts...)
		}
		stmts = nil
	}

	for i, rawLine := range strings.Split(strings.TrimPrefix(content, "\uFEFF"), "\n") {
		lineNo := i + 1
		line := strings.TrimRight(rawLine, "\r")

		if strings.HasPrefix(line, "*") {
			flush()
			current = parseSectionHeader(line)
			if current == sectionNone {
				f.Errors = append(f.Errors, DataError{Source: source, Line: lineNo, Message: fmt.Sprintf("Unrecognized section header '%s'.", strings.TrimSpace(line))})
				current = sectionComments
			}
			continue
		}

		if current == sectionNone || current == sectionComments {
			continue
		}

		cells := splitCells(line, true)
		if len(cells) == 0 || (len(cells) == 1 && cells[0] == "") {
			continue
		}
		for idx := range cells {
			cells[idx] = strings.ReplaceAll(cells[idx], "${CURDIR}", curdir)
		}

		indented := cells[0] == ""
		if indented {
			cells = cells[1:]
		}
		if len(cells) == 0 {
			continue
		}

		if cells[0] == "..." && len(stmts) > 0 {
			last := &stmts[len(stmts)-1]
			last.cells = append(last.cells, cells[1:]...)
			continue
		}

		stmts = append(stmts, statement{cells: cells, line: lineNo, indented: indented})
	}
	flush()

	parseSettings(f, sections[sectionSettings])
	parseVariables(f, sections[sectionVariables])
	parseTests(f, sections[sectionTests])
	parseKeywords(f, sections[sectionKeywords])

	return f
}

func parseSectionHeader(line string) section {
	name := strings.ToLower(strings.Trim(strings.TrimSpace(line), "* "))
	name = strings.Join(strings.Fields(name), " ")

	switch name {
	case "settings", "setting":
		return sectionSettings
	case "variables", "variable":
		return sectionVariables
	case "test cases", "test case", "tasks", "task":
		return sectionTests
	case "keywords", "keyword":
		return sectionKeywords
	case "comments", "comment":
		return sectionComments
	default:
		return sectionNone
	}
}

// SplitArguments splits a single line into cells separated by two or more spaces or a tab.
func SplitArguments(s string) []string {
	cells := splitCells(strings.TrimSpace(s), false)
	if len(cells) == 1 && cells[0] == "" {
		return nil
	}
	return cells
}

// Splits a line into cells separated by two or more spaces or a tab.
// A line starting with a separator yields an empty first cell.
func splitCells(line string, stripComments bool) []string {
	line = strings.TrimRight(line, " \t")

	var cells []string
	start := 0
	for i := 0; i < len(line); {
		sepLen := separatorLength(line, i)
		if sepLen == 0 {
			i++
			continue
		}
		cells = append(cells, strings.TrimSpace(line[start:i]))
		i += sepLen
		start = i
	}
	cells = append(cells, strings.TrimSpace(line[start:]))

	if stripComments {
		for idx, cell := range cells {
			if strings.HasPrefix(cell, "#") {
				cells = cells[:idx]
				break
			}
		}
	}

	for len(cells) > 1 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}

	// A lone backslash stands for an empty cell.
	for idx, cell := range cells {
		if cell == `\` {
			cells[idx] = ""
		}
	}

	return cells
}

func separatorLength(line string, i int) int {
	if line[i] == '\t' || (line[i] == ' ' && i+1 < len(line) && (line[i+1] == ' ' || line[i+1] == '\t')) {
		end := i
		for end < len(line) && (line[end] == ' ' || line[end] == '\t') {
			end++
		}
		return end - i
	}
	return 0
}

func normalizeSettingName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSuffix(name, ":")), " "))
}

func keywordCallFromCells(cells []string, line int) *KeywordCall {
	if len(cells) == 0 || cells[0] == "" || strings.EqualFold(cells[0], "NONE") {
		return nil
	}
	return &KeywordCall{Name: cells[0], Args: cells[1:], Line: line}
}

func parseSettings(f *File, stmts []statement) {
	for _, st := range stmts {
		name := normalizeSettingName(st.cells[0])
		args := st.cells[1:]

		switch name {
		case "documentation":
			f.Settings.Documentation = strings.Join(args, " ")
		case "metadata":
			if len(args) > 0 {
				f.Settings.Metadata[args[0]] = strings.Join(args[1:], " ")
			}
		case "suite setup":
			f.Settings.SuiteSetup = keywordCallFromCells(args, st.line)
		case "suite teardown":
			f.Settings.SuiteTeardown = keywordCallFromCells(args, st.line)
		case "test setup", "task setup":
			f.Settings.TestSetup = keywordCallFromCells(args, st.line)
		case "test teardown", "task teardown":
			f.Settings.TestTeardown = keywordCallFromCells(args, st.line)
		case "test tags", "task tags", "force tags", "default tags":
			f.Settings.TestTags = append(f.Settings.TestTags, args...)
		case "resource":
			f.Settings.Resources = append(f.Settings.Resources, importFromCells(args, st.line))
		case "variables":
			f.Settings.VariableFiles = append(f.Settings.VariableFiles, importFromCells(args, st.line))
		case "library":
			f.Settings.Libraries = append(f.Settings.Libraries, importFromCells(args, st.line))
		default:
			f.Errors = append(f.Errors, DataError{Source: f.Source, Line: st.line, Message: fmt.Sprintf("Non-existing setting '%s'.", st.cells[0])})
		}
	}
}

func importFromCells(args []string, line int) Import {
	imp := Import{Line: line}
	if len(args) > 0 {
		imp.Name = args[0]
		imp.Args = args[1:]
	}
	return imp
}

func parseVariables(f *File, stmts []statement) {
	for _, st := range stmts {
		name := strings.TrimSpace(strings.TrimSuffix(st.cells[0], "="))
		if _, _, ok := splitDecorated(name); !ok || name[0] == '%' {
			f.Errors = append(f.Errors, DataError{Source: f.Source, Line: st.line, Message: fmt.Sprintf("Invalid variable name '%s'.", st.cells[0])})
			continue
		}
		f.Variables = append(f.Variables, VariableDecl{Name: name, Values: st.cells[1:], Line: st.line})
	}
}

// Groups statements into named blocks: a non-indented statement starts a block.
func groupBlocks(stmts []statement) [][]statement {
	var blocks [][]statement
	for _, st := range stmts {
		if !st.indented {
			blocks = append(blocks, []statement{{cells: st.cells[:1], line: st.line}})
			if len(st.cells) > 1 {
				blocks[len(blocks)-1] = append(blocks[len(blocks)-1], statement{cells: st.cells[1:], line: st.line, indented: true})
			}
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		blocks[len(blocks)-1] = append(blocks[len(blocks)-1], st)
	}
	return blocks
}

func parseTests(f *File, stmts []statement) {
	for _, block := range groupBlocks(stmts) {
		test := &TestCase{Name: block[0].cells[0], Line: block[0].line}
		bp := &bodyParser{source: f.Source, stmts: block[1:]}

		test.Body = bp.parseBody(func(name string, st statement) bool {
			args := st.cells[1:]
			switch name {
			case "[documentation]":
				test.Doc = strings.Join(args, " ")
			case "[tags]":
				test.Tags = append(test.Tags, args...)
			case "[setup]":
				test.Setup = keywordCallFromCells(args, st.line)
				test.HasOwnSetup = true
			case "[teardown]":
				test.Teardown = keywordCallFromCells(args, st.line)
				test.HasOwnTeardown = true
			default:
				return false
			}
			return true
		})

		f.Tests = append(f.Tests, test)
		f.Errors = append(f.Errors, bp.errors...)
	}
}

func parseKeywords(f *File, stmts []statement) {
	for _, block := range groupBlocks(stmts) {
		kw := &UserKeyword{Name: block[0].cells[0], Line: block[0].line, Source: f.Source}
		bp := &bodyParser{source: f.Source, stmts: block[1:]}

		kw.Body = bp.parseBody(func(name string, st statement) bool {
			args := st.cells[1:]
			switch name {
			case "[documentation]":
				kw.Doc = strings.Join(args, " ")
			case "[tags]":
				kw.Tags = append(kw.Tags, args...)
			case "[arguments]":
				specs, err := parseArgumentSpecs(args)
				if err != nil {
					bp.fail(st.line, err.Error())
				}
				kw.Arguments = specs
			case "[return]":
				kw.Returns = args
			case "[teardown]":
				kw.Teardown = keywordCallFromCells(args, st.line)
			default:
				return false
			}
			return true
		})

		f.Keywords = append(f.Keywords, kw)
		f.Errors = append(f.Errors, bp.errors...)
	}
}

func parseArgumentSpecs(args []string) ([]ArgumentSpec, error) {
	var specs []ArgumentSpec
	seenVarargs, seenKwargs := false, false

	for _, arg := range args {
		name, defaultValue, hasDefault := strings.Cut(arg, "=")
		decoration, _, ok := splitDecorated(name)
		if !ok || decoration == '%' {
			return nil, fmt.Errorf("Invalid argument syntax '%s'.", arg)
		}
		if seenKwargs {
			return nil, fmt.Errorf("Only last argument can be kwargs.")
		}

		spec := ArgumentSpec{Name: name, Default: defaultValue, HasDefault: hasDefault}
		switch decoration {
		case '@':
			if seenVarargs || hasDefault {
				return nil, fmt.Errorf("Invalid argument syntax '%s'.", arg)
			}
			seenVarargs = true
			spec.Kind = ArgumentVarargs
		case '&':
			if hasDefault {
				return nil, fmt.Errorf("Invalid argument syntax '%s'.", arg)
			}
			seenKwargs = true
			spec.Kind = ArgumentKwargs
		default:
			if !hasDefault && len(specs) > 0 {
				prev := specs[len(specs)-1]
				if prev.Kind == ArgumentPositional && prev.HasDefault && !seenVarargs {
					return nil, fmt.Errorf("Non-default argument after default arguments.")
				}
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// bodyParser turns the statements of a test or keyword into steps.
type bodyParser struct {
	source string
	stmts  []statement
	pos    int
	errors []DataError
}

func (bp *bodyParser) fail(line int, message string) {
	bp.errors = append(bp.errors, DataError{Source: bp.source, Line: line, Message: message})
}

func (bp *bodyParser) next() (statement, bool) {
	if bp.pos >= len(bp.stmts) {
		return statement{}, false
	}
	st := bp.stmts[bp.pos]
	bp.pos++
	return st, true
}

// parseBody parses top level statements. Settings like [Tags] are passed to handleSetting.
func (bp *bodyParser) parseBody(handleSetting func(name string, st statement) bool) []Step {
	var steps []Step
	for {
		st, ok := bp.next()
		if !ok {
			return steps
		}

		if strings.HasPrefix(st.cells[0], "[") && strings.HasSuffix(st.cells[0], "]") {
			if !handleSetting(normalizeSettingName(st.cells[0]), st) {
				msg := fmt.Sprintf("Non-existing setting '%s'.", st.cells[0])
				bp.fail(st.line, msg)
				steps = append(steps, &InvalidStep{Message: msg, Line: st.line})
			}
			continue
		}

		step, stop := bp.parseStatement(st)
		if stop != "" {
			msg := fmt.Sprintf("%s is not allowed in this context.", stop)
			bp.fail(st.line, msg)
			steps = append(steps, &InvalidStep{Message: msg, Line: st.line})
			continue
		}
		steps = append(steps, step)
	}
}

// parseBlock parses steps until one of the stop markers. It returns the statement holding the marker.
func (bp *bodyParser) parseBlock(stopMarkers ...string) ([]Step, statement, bool) {
	var steps []Step
	for {
		st, ok := bp.next()
		if !ok {
			return steps, statement{}, false
		}

		step, marker := bp.parseStatement(st)
		if marker != "" {
			for _, stop := range stopMarkers {
				if marker == stop {
					return steps, st, true
				}
			}
			msg := fmt.Sprintf("%s is not allowed in this context.", marker)
			bp.fail(st.line, msg)
			steps = append(steps, &InvalidStep{Message: msg, Line: st.line})
			continue
		}
		steps = append(steps, step)
	}
}

// Parses one statement. Block continuation markers (END, ELSE, EXCEPT...) are returned as marker instead.
func (bp *bodyParser) parseStatement(st statement) (Step, string) {
	switch st.cells[0] {
	case "END", "ELSE", "ELSE IF", "EXCEPT", "FINALLY":
		return nil, st.cells[0]
	case "FOR":
		return bp.parseFor(st), ""
	case "IF":
		if len(st.cells) > 2 {
			return bp.parseInlineIf(st), ""
		}
		return bp.parseIf(st), ""
	case "WHILE":
		return bp.parseWhile(st), ""
	case "TRY":
		return bp.parseTry(st), ""
	case "RETURN":
		return &ReturnStatement{Values: st.cells[1:], Line: st.line}, ""
	case "BREAK":
		return &BreakStatement{Line: st.line}, ""
	case "CONTINUE":
		return &ContinueStatement{Line: st.line}, ""
	}

	return parseKeywordCall(st.cells, st.line), ""
}

func parseKeywordCall(cells []string, line int) Step {
	var assign []string
	for len(cells) > 0 && isAssignment(cells[0]) {
		assign = append(assign, strings.TrimSpace(strings.TrimSuffix(cells[0], "=")))
		cells = cells[1:]
	}
	if len(cells) == 0 {
		return &InvalidStep{Message: "Keyword name cannot be empty.", Line: line}
	}
	return &KeywordCall{Name: cells[0], Args: cells[1:], Assign: assign, Line: line}
}

func isAssignment(cell string) bool {
	name := strings.TrimSpace(strings.TrimSuffix(cell, "="))
	decoration, _, ok := splitDecorated(name)
	return ok && decoration != '%' && IsVariable(name)
}

func (bp *bodyParser) parseFor(st statement) Step {
	loop := &ForLoop{Line: st.line}
	header := st.cells[1:]

	flavorIndex := -1
	for i, cell := range header {
		if strings.HasPrefix(cell, "IN") {
			flavorIndex = i
			break
		}
		loop.Variables = append(loop.Variables, cell)
	}

	body, _, closed := bp.parseBlock("END")
	loop.Body = body

	switch {
	case flavorIndex < 0:
		return bp.invalid(st.line, "FOR loop has no 'IN' or other valid separator.")
	case len(loop.Variables) == 0:
		return bp.invalid(st.line, "FOR loop has no loop variables.")
	case !closed:
		return bp.invalid(st.line, "FOR loop must have closing 'END'.")
	case len(body) == 0:
		return bp.invalid(st.line, "FOR loop cannot be empty.")
	}

	loop.Flavor = header[flavorIndex]
	switch loop.Flavor {
	case "IN", "IN RANGE", "IN ENUMERATE", "IN ZIP":
	default:
		return bp.invalid(st.line, fmt.Sprintf("Invalid FOR loop type '%s'.", loop.Flavor))
	}
	for _, v := range loop.Variables {
		if !isAssignment(v) {
			return bp.invalid(st.line, fmt.Sprintf("Invalid FOR loop variable '%s'.", v))
		}
	}
	loop.Values = header[flavorIndex+1:]
	return loop
}

func (bp *bodyParser) parseIf(st statement) Step {
	block := &IfBlock{Line: st.line}
	branch := IfBranch{Type: KeywordTypeIf, Line: st.line}
	if len(st.cells) > 1 {
		branch.Condition = st.cells[1]
	}

	for {
		body, stop, closed := bp.parseBlock("ELSE IF", "ELSE", "END")
		branch.Body = body
		block.Branches = append(block.Branches, branch)

		if !closed {
			return bp.invalid(st.line, "IF must have closing 'END'.")
		}
		if branch.Type != KeywordTypeElse && branch.Condition == "" {
			return bp.invalid(branch.Line, fmt.Sprintf("%s must have a condition.", branch.Type))
		}
		if len(body) == 0 {
			return bp.invalid(branch.Line, fmt.Sprintf("%s branch cannot be empty.", branch.Type))
		}

		switch stop.cells[0] {
		case "END":
			return block
		case "ELSE IF":
			if branch.Type == KeywordTypeElse {
				return bp.invalid(stop.line, "ELSE IF not allowed after ELSE.")
			}
			branch = IfBranch{Type: KeywordTypeElseIf, Line: stop.line}
			if len(stop.cells) > 1 {
				branch.Condition = stop.cells[1]
			}
		case "ELSE":
			if branch.Type == KeywordTypeElse {
				return bp.invalid(stop.line, "Only one ELSE allowed.")
			}
			branch = IfBranch{Type: KeywordTypeElse, Line: stop.line}
		}
	}
}

// IF  condition  Keyword  args  ELSE IF  condition  Keyword  ELSE  Keyword
func (bp *bodyParser) parseInlineIf(st statement) Step {
	block := &IfBlock{Line: st.line}
	cells := st.cells

	for len(cells) > 0 {
		branch := IfBranch{Type: cells[0], Line: st.line}
		cells = cells[1:]
		if branch.Type != KeywordTypeElse {
			if len(cells) == 0 {
				return bp.invalid(st.line, fmt.Sprintf("%s must have a condition.", branch.Type))
			}
			branch.Condition = cells[0]
			cells = cells[1:]
		}

		end := len(cells)
		for i, cell := range cells {
			if cell == "ELSE" || cell == "ELSE IF" {
				end = i
				break
			}
		}
		if end == 0 {
			return bp.invalid(st.line, fmt.Sprintf("%s branch cannot be empty.", branch.Type))
		}
		branch.Body = []Step{parseKeywordCall(cells[:end], st.line)}
		block.Branches = append(block.Branches, branch)
		cells = cells[end:]
	}
	return block
}

func (bp *bodyParser) parseWhile(st statement) Step {
	loop := &WhileLoop{Line: st.line}
	for _, cell := range st.cells[1:] {
		if limit, isLimit := strings.CutPrefix(cell, "limit="); isLimit {
			loop.Limit = limit
		} else if loop.Condition == "" {
			loop.Condition = cell
		}
	}

	body, _, closed := bp.parseBlock("END")
	loop.Body = body

	switch {
	case loop.Condition == "":
		return bp.invalid(st.line, "WHILE must have a condition.")
	case !closed:
		return bp.invalid(st.line, "WHILE loop must have closing 'END'.")
	case len(body) == 0:
		return bp.invalid(st.line, "WHILE loop cannot be empty.")
	}
	return loop
}

func (bp *bodyParser) parseTry(st statement) Step {
	block := &TryBlock{Line: st.line}

	body, stop, closed := bp.parseBlock("EXCEPT", "ELSE", "FINALLY", "END")
	block.Body = body
	if len(body) == 0 && closed {
		return bp.invalid(st.line, "TRY branch cannot be empty.")
	}

	for closed && stop.cells[0] == "EXCEPT" {
		except := parseExceptHeader(stop)
		except.Body, stop, closed = bp.parseBlock("EXCEPT", "ELSE", "FINALLY", "END")
		if closed && len(except.Body) == 0 {
			return bp.invalid(except.Line, "EXCEPT branch cannot be empty.")
		}
		block.Excepts = append(block.Excepts, except)
	}

	if closed && stop.cells[0] == "ELSE" {
		block.ElseLine = stop.line
		block.Else, stop, closed = bp.parseBlock("FINALLY", "END")
		if closed && len(block.Else) == 0 {
			return bp.invalid(block.ElseLine, "ELSE branch cannot be empty.")
		}
	}

	if closed && stop.cells[0] == "FINALLY" {
		block.FinallyLine = stop.line
		block.Finally, stop, closed = bp.parseBlock("END")
		if closed && len(block.Finally) == 0 {
			return bp.invalid(block.FinallyLine, "FINALLY branch cannot be empty.")
		}
	}

	switch {
	case !closed:
		return bp.invalid(st.line, "TRY must have closing 'END'.")
	case len(block.Excepts) == 0 && block.FinallyLine == 0:
		return bp.invalid(st.line, "TRY structure must have EXCEPT or FINALLY branch.")
	}
	return block
}

func parseExceptHeader(st statement) ExceptBranch {
	except := ExceptBranch{Line: st.line}
	args := st.cells[1:]

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "AS" && i+1 < len(args):
			except.AssignTo = args[i+1]
			i++
		case strings.HasPrefix(args[i], "type="):
			except.PatternType = strings.ToUpper(strings.TrimPrefix(args[i], "type="))
		default:
			except.Patterns = append(except.Patterns, args[i])
		}
	}
	return except
}

func (bp *bodyParser) invalid(line int, message string) Step {
	bp.fail(line, message)
	return &InvalidStep{Message: message, Line: line}
}
