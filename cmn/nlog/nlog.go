// Package nlog layers a FastV(level, module) verbosity check on top of glog,
// the way the teacher's own nlog/glog facade (3rdparty/glog, glog.FastV,
// glog.SmoduleReb) sits on top of the vendored glog it imports. The check
// is by glog verbosity level only; the module does not change the result.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import "github.com/golang/glog"

// Module names the subsystem a log line or verbosity check belongs to,
// mirroring glog.SmoduleReb / glog.SmoduleMirror in the teacher.
type Module string

const (
	SmoduleOffload Module = "offload"
	SmoduleDevice  Module = "device"
	SmoduleQuant   Module = "quant"
)

// FastV reports whether glog verbosity level is enabled, letting call sites
// skip building an expensive log message on the hot path
// (bulk_offload_group, bulk_reload_group) when nobody is listening. The
// module argument labels the call site and is not consulted.
func FastV(level int, _ Module) bool {
	return bool(glog.V(glog.Level(level)))
}

func Infof(format string, args ...any)    { glog.Infof(format, args...) }
func Infoln(args ...any)                  { glog.Infoln(args...) }
func Warningf(format string, args ...any) { glog.Warningf(format, args...) }
func Warningln(args ...any)               { glog.Warningln(args...) }
func Errorf(format string, args ...any)   { glog.Errorf(format, args...) }
func Errorln(args ...any)                 { glog.Errorln(args...) }
