// Package utils validates client-supplied identifiers, commands, labels and
// secrets before they reach the session store.
package utils
