// Package resource keeps track of live values, such as open sockets, under
// non-owning handles.
//
// A Table hands out a Handle when a value is registered. The handle is only
// a reference: the value's owner still decides when it dies and calls
// Release afterwards. Handles carry a generation, so a handle kept past its
// release never resolves to the value that later reuses the slot.
//
//	table := resource.NewTable()
//	h := table.Register("datagram", sock)
//	...
//	table.Release(h) // owner closed sock
//
// # Observers
//
// Observers see every lifecycle change and are how metrics and leak
// reporting attach to a table:
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    if e.Type == resource.EventLeaked {
//	        log.Printf("%s %d leaked", e.Kind, e.Handle)
//	    }
//	}))
//
// # Leaks
//
// Close sweeps the table. Every value still registered is reported with
// EventLeaked and, if it implements Closer, closed. Values are never closed
// implicitly at any other time.
package resource
