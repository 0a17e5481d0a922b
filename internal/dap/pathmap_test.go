/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplaceRoot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		from     string
		to       string
		expected string
		mapped   bool
	}{
		{"posix to posix", "/home/me/tests/suite.robot", "/home/me", "/srv/ci", "/srv/ci/tests/suite.robot", true},
		{"trailing separator", "/home/me/tests/suite.robot", "/home/me/", "/srv/ci/", "/srv/ci/tests/suite.robot", true},
		{"windows to posix", `C:\work\tests\suite.robot`, `C:\work`, "/srv/work", "/srv/work/tests/suite.robot", true},
		{"posix to windows", "/srv/work/tests/suite.robot", "/srv/work", `C:\work`, `C:\work\tests\suite.robot`, true},
		{"root itself", "/home/me", "/home/me", "/srv/ci", "/srv/ci", true},
		{"sibling prefix", "/home/meadow/suite.robot", "/home/me", "/srv/ci", "/home/meadow/suite.robot", false},
		{"empty root", "/home/me/suite.robot", "", "/srv/ci", "/home/me/suite.robot", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			actual, mapped := replaceRoot(tc.path, tc.from, tc.to)
			assert.Equal(t, tc.expected, actual)
			assert.Equal(t, tc.mapped, mapped)
		})
	}
}

func TestPathMapperRoundTrip(t *testing.T) {
	t.Parallel()

	m := newPathMapper([]PathMapping{
		{LocalRoot: "/home/me/project", RemoteRoot: "/srv/project"},
		{LocalRoot: "/home/me/libs", RemoteRoot: "/opt/libs"},
	})

	assert.Equal(t, "/srv/project/suite.robot", m.toRemote("/home/me/project/suite.robot"))
	assert.Equal(t, "/opt/libs/common.resource", m.toRemote("/home/me/libs/common.resource"))
	assert.Equal(t, "/home/me/libs/common.resource", m.toLocal("/opt/libs/common.resource"))
	assert.Equal(t, "/elsewhere/x.robot", m.toLocal("/elsewhere/x.robot"))
}

func TestMapSources(t *testing.T) {
	t.Parallel()

	m := newPathMapper([]PathMapping{{LocalRoot: "/local", RemoteRoot: "/remote"}})

	request := json.RawMessage(`{"source":{"name":"suite.robot","path":"/local/suite.robot"},"breakpoints":[{"line":3}],"lines":[3]}`)
	mapped := m.mapSources(request, m.toRemote)
	assert.JSONEq(t, `{"source":{"name":"suite.robot","path":"/remote/suite.robot"},"breakpoints":[{"line":3}],"lines":[3]}`, string(mapped))

	stackTrace := json.RawMessage(`{"stackFrames":[
		{"id":1,"name":"Log","line":4,"column":1,"source":{"path":"/remote/suite.robot"}},
		{"id":2,"name":"Suite","line":1,"column":1,"source":{"path":"/other/suite.robot"}}
	],"totalFrames":2}`)
	mapped = m.mapSources(stackTrace, m.toLocal)
	assert.JSONEq(t, `{"stackFrames":[
		{"id":1,"name":"Log","line":4,"column":1,"source":{"path":"/local/suite.robot"}},
		{"id":2,"name":"Suite","line":1,"column":1,"source":{"path":"/other/suite.robot"}}
	],"totalFrames":2}`, string(mapped))

	event := json.RawMessage(`{"name":"Suite","source":"/remote/suite.robot","lineno":1}`)
	mapped = m.mapSources(event, m.toLocal)
	assert.JSONEq(t, `{"name":"Suite","source":"/local/suite.robot","lineno":1}`, string(mapped))

	// Payloads without paths to map are returned as is.
	unrelated := json.RawMessage(`{"threads":[{"id":1,"name":"RobotMain"}]}`)
	assert.Equal(t, string(unrelated), string(m.mapSources(unrelated, m.toLocal)))

	// Large integers survive the rewrite unchanged.
	numbers := json.RawMessage(`{"variablesReference":9007199254740993,"source":{"path":"/remote/a.robot"}}`)
	assert.JSONEq(t, `{"variablesReference":9007199254740993,"source":{"path":"/local/a.robot"}}`, string(m.mapSources(numbers, m.toLocal)))

	empty := newPathMapper(nil)
	assert.Equal(t, string(request), string(empty.mapSources(request, empty.toRemote)))
}
