package procedure

// Attribute keys shared by the built-in tables and the BLE transport.
const (
	AttrAddress    = "address"
	AttrName       = "name"
	AttrConnection = "connection"
	AttrInstances  = "instances"
	AttrLevelChar  = "level_char"
	AttrLevel      = "level"
)

// Battery Service and Battery Level characteristic, 128-bit form.
const (
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

// DefaultPeripheralName is the advertised name the central table scans for.
const DefaultPeripheralName = "ALIF_BATT_BLE"

// Battery steps.
const (
	BatteryStart          StepID = "start"
	BatteryEnable         StepID = "enable"
	BatteryReadLevel      StepID = "read_level"
	BatteryWriteNotifyCfg StepID = "write_notify_cfg"
	BatteryDone           StepID = "done"
	BatteryFailed         StepID = "failed"
)

// Central steps.
const (
	CentralScan      StepID = "scan"
	CentralConnect   StepID = "connect"
	CentralConfigure StepID = "configure"
	CentralConnected StepID = "connected"
	CentralFailed    StepID = "failed"
)

// Battery returns the battery client discovery procedure: enable the client
// (discover the service and its level characteristic), read the level once,
// then enable level notifications. Every failure, including discovery of zero
// service instances, ends the session as failed.
func Battery() *Table {
	return MustTable("battery", BatteryStart,
		Step{
			ID:        BatteryStart,
			Action:    ActionNone,
			OnSuccess: BatteryEnable,
			OnFailure: BatteryFailed,
		},
		Step{
			ID:     BatteryEnable,
			Action: ActionDiscover,
			Params: map[string]string{
				"service":        BatteryServiceUUID,
				"characteristic": BatteryLevelUUID,
				"attr":           AttrLevelChar,
			},
			Captures:  []string{AttrInstances, AttrLevelChar},
			OnSuccess: BatteryReadLevel,
			OnFailure: BatteryFailed,
		},
		Step{
			ID:        BatteryReadLevel,
			Action:    ActionRead,
			Params:    map[string]string{"source": AttrLevelChar, "attr": AttrLevel},
			Captures:  []string{AttrLevel},
			OnSuccess: BatteryWriteNotifyCfg,
			OnFailure: BatteryFailed,
		},
		Step{
			ID:        BatteryWriteNotifyCfg,
			Action:    ActionSubscribe,
			Params:    map[string]string{"source": AttrLevelChar},
			OnSuccess: BatteryDone,
			OnFailure: BatteryFailed,
		},
		Step{ID: BatteryDone, Terminal: TerminalSucceeded},
		Step{ID: BatteryFailed, Terminal: TerminalFailed},
	)
}

// Central returns the central-role procedure: scan for a peripheral that
// advertises deviceName, connect to it, then confirm the link.
func Central(deviceName string) *Table {
	if deviceName == "" {
		deviceName = DefaultPeripheralName
	}
	return MustTable("central", CentralScan,
		Step{
			ID:        CentralScan,
			Action:    ActionScan,
			Params:    map[string]string{"name": deviceName},
			Captures:  []string{AttrAddress},
			OnSuccess: CentralConnect,
			OnFailure: CentralFailed,
		},
		Step{
			ID:        CentralConnect,
			Action:    ActionConnect,
			Params:    map[string]string{"source": AttrAddress},
			Captures:  []string{AttrConnection},
			OnSuccess: CentralConfigure,
			OnFailure: CentralFailed,
		},
		Step{
			ID:        CentralConfigure,
			Action:    ActionNone,
			OnSuccess: CentralConnected,
			OnFailure: CentralFailed,
		},
		Step{ID: CentralConnected, Terminal: TerminalSucceeded},
		Step{ID: CentralFailed, Terminal: TerminalFailed},
	)
}
