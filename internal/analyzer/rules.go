package analyzer

var (
	removedASTNodes = map[string]bool{
		"Num": true, "Str": true, "Bytes": true, "NameConstant": true, "Ellipsis": true,
	}
	removedWatchers = map[string]bool{
		"AbstractChildWatcher": true, "SafeChildWatcher": true, "FastChildWatcher": true,
		"MultiLoopChildWatcher": true, "ThreadedChildWatcher": true, "PidfdChildWatcher": true,
		"get_child_watcher": true, "set_child_watcher": true,
	}
	removedLoaders = map[string]bool{"find_loader": true, "get_loader": true}
	removedSqlite3 = map[string]bool{"version": true, "version_info": true}
	removedPty     = map[string]bool{"master_open": true, "slave_open": true}
	removedURLlib  = map[string]bool{"URLopener": true, "FancyURLopener": true}
)
