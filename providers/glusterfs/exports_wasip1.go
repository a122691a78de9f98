//go:build wasip1

package main

import (
	"encoding/json"
	"strconv"
	"unsafe"
)

//go:wasmimport env host_log
func hostLog(level, ptr, length uint32)

// buffers keeps memory handed to the host reachable until it calls free.
var buffers = map[uint32][]byte{}

func logInfo(msg string) {
	if msg == "" {
		return
	}
	b := []byte(msg)
	hostLog(1, uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b)))
}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(buffers, ptr)
}

//go:wasmexport provider_validate
func providerValidate(ptr, length uint32) uint64 {
	return call(ptr, length, validate)
}

//go:wasmexport provider_contribute
func providerContribute(ptr, length uint32) uint64 {
	return call(ptr, length, func(pc providerContext) response {
		resp := contribute(pc)
		if resp.Error == "" && resp.MissingKey == "" {
			logInfo("glusterfs: " + strconv.Itoa(len(shares(pc))) + " shares")
		}
		return resp
	})
}

func call(ptr, length uint32, fn func(providerContext) response) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)

	var pc providerContext
	resp := response{}
	if err := json.Unmarshal(input, &pc); err != nil {
		resp.Error = "invalid provider context: " + err.Error()
	} else {
		resp = fn(pc)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		out = []byte(`{"error":"failed to encode response"}`)
	}
	outPtr := malloc(uint32(len(out)))
	copy(buffers[outPtr], out)
	return uint64(outPtr)<<32 | uint64(len(out))
}

// main is not run; the module is built with -buildmode=c-shared and the
// host calls _initialize.
func main() {}
