/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements the launcher side of a Robot Framework debug session.

# Architecture Overview

The launcher speaks the Debug Adapter Protocol (DAP) to the IDE over stdio, TCP
or a named pipe. It starts the debuggee (the "debug" command of the same binary,
or another executable named by the launch request) and connects to it over
JSON-RPC. Everything the launcher does not handle itself is forwarded to the
debuggee, and debuggee events are relayed back to the IDE.

# Key Components

  - Server: the IDE session state machine (Idle, Initialized, Launching or Attaching,
    Configured, Running, Terminated or Exited, Disconnected)
  - Transport: DAP framing over a byte stream, with raw payloads so unknown requests
    pass through unchanged
  - Debuggee: a debuggee process started by the launcher, with its output relayed as
    output events
  - LaunchArguments / AttachArguments: the configuration sent by the IDE

# Connection Flow

 1. The IDE sends initialize; the launcher answers with its capabilities
 2. On launch, the launcher picks a free port and starts the debuggee, either directly
    (internalConsole) or through a runInTerminal request to the IDE
 3. The launcher connects to the debuggee, retrying until the launcher timeout elapses
 4. On success the IDE receives an initialized event; on failure a terminated event
    and an error response
 5. setBreakpoints, configurationDone and all other requests are forwarded in order

# Termination

The first terminate request interrupts the debuggee so it can wind down; any further
terminate request terminates it and sends a terminateRequested event. A disconnect with
terminateDebuggee ends the launcher immediately. Otherwise the debuggee is told about the
disconnect and the session ends once it exits.

# Path Mappings

When attaching to a debuggee on another machine, source paths in requests are rewritten
from local to remote roots and paths in responses and events from remote to local roots.
*/
package dap
