// Package resource provides a generic handle table mapping small integers
// to host-side Go values.
//
// A Runtime keeps one table and stores in it the *bridge.Binding values
// that spawn creates, so a script holds an integer handle rather than the
// Go pointer. Refs are not kept here: they live in the VM's own registry.
//
// # Handle Table
//
// The UnifiedTable maps integer handles to Go values:
//
//	table := resource.NewTable()
//
//	// Insert a value, get a handle
//	handle := table.Insert(typeID, myValue)
//
//	// Retrieve value by handle
//	value, ok := table.Get(handle)
//
//	// Remove and get value
//	value, ok := table.Remove(handle)
//
// # Type Safety
//
// Handles are typed - each resource kind gets a unique type ID:
//
//	const bridgeBindingTypeID = 1
//
//	handle := table.Insert(bridgeBindingTypeID, binding)
//	value, ok := table.GetTyped(handle, bridgeBindingTypeID) // ok
//
// # Observers
//
// Register observers to track resource lifecycle events:
//
//	table.Subscribe(myObserver) // myObserver implements OnResourceEvent
//
// # Memory Management
//
// Resources are not automatically garbage collected. The owner must
// explicitly call Remove() when a handle is no longer needed. Close()
// releases every resource still held by a table, e.g. on Runtime
// shutdown.
package resource
