// Command libpingd builds pingd as a C shared library:
//
//	go build -buildmode=c-shared -o libpingd.so ./cmd/libpingd
//
// The exported functions are declared in the generated libpingd.h. Every call
// returns 0 on success or a non-zero error kind; the message of the most
// recent failure is available through pingd_last_error.
package main

func main() {}
