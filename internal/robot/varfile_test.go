/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadVariableFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vars.yaml")
	writeFile(t, path, `
server: localhost
port: 8080
ratio: 0.5
enabled: true
users:
  - alice
  - bob
options:
  zeta: 1
  alpha: 2
`)

	vars, err := LoadVariableFile(path)
	require.NoError(t, err)
	require.Len(t, vars, 6)

	require.Equal(t, Variable{Name: "${server}", Value: "localhost"}, vars[0])
	require.Equal(t, Variable{Name: "${port}", Value: int64(8080)}, vars[1])
	require.Equal(t, 0.5, vars[2].Value)
	require.Equal(t, true, vars[3].Value)
	require.Equal(t, Variable{Name: "@{users}", Value: []any{"alice", "bob"}}, vars[4])

	require.Equal(t, "&{options}", vars[5].Name)
	options, isDict := vars[5].Value.(*Dict)
	require.True(t, isDict)
	require.Equal(t, []any{"zeta", "alpha"}, options.Keys(), "mapping order is preserved")
}

func TestLoadVariableFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadVariableFile(filepath.Join(dir, "vars.py"))
	require.ErrorContains(t, err, "only YAML variable files are supported")

	_, err = LoadVariableFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	listFile := filepath.Join(dir, "list.yaml")
	writeFile(t, listFile, "- a\n- b\n")
	_, err = LoadVariableFile(listFile)
	require.ErrorContains(t, err, "YAML variable file must be a mapping, got list.")

	emptyFile := filepath.Join(dir, "empty.yml")
	writeFile(t, emptyFile, "")
	vars, err := LoadVariableFile(emptyFile)
	require.NoError(t, err)
	require.Empty(t, vars)
}
