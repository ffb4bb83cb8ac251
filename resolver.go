package ensemble

import (
	"fmt"
	"reflect"
)

// resolution is the output of resolveServices: a validated start order plus
// the resolved references to inject into each consumer.
type resolution struct {
	// order lists services with every dependency strictly before its
	// dependents, ties broken by declaration order.
	order []Service

	// injections maps a consumer's name to its resolved dependencies,
	// keyed by the declared dependency name, or the provider name for
	// interface-only matches. NoWait references are included; unresolved
	// optional dependencies are absent.
	injections map[string]map[string]any
}

// resolveServices validates a flat declaration list and computes the start
// order. It fails with a structured error on duplicate names, unresolvable
// required dependencies and dependency cycles; no partial result is
// returned.
func resolveServices(services []Service) (*resolution, error) {
	byName := make(map[string]Service, len(services))
	for _, svc := range services {
		name := svc.Name()
		if _, exists := byName[name]; exists {
			return nil, &ServiceNameConflictError{Name: name}
		}
		byName[name] = svc
	}

	res := &resolution{injections: make(map[string]map[string]any)}

	// Ordering edges point from dependent to dependency. NoWait edges
	// resolve a reference only and never enter the graph.
	edges := make(map[string][]string, len(services))
	for _, svc := range services {
		aware, ok := svc.(ServiceAware)
		if !ok {
			continue
		}
		for _, dep := range aware.RequiresServices() {
			target, err := findProvider(services, byName, svc, dep)
			if err != nil {
				return nil, err
			}
			if target == nil {
				continue
			}
			inj := res.injections[svc.Name()]
			if inj == nil {
				inj = make(map[string]any)
				res.injections[svc.Name()] = inj
			}
			key := dep.Name
			if key == "" {
				key = target.Name()
			}
			inj[key] = target
			if !dep.NoWait {
				edges[svc.Name()] = append(edges[svc.Name()], target.Name())
			}
		}
	}

	if cycle := findCycle(services, edges); cycle != nil {
		return nil, &DependencyCycleError{Cycle: cycle}
	}

	res.order = sortServices(services, edges)
	return res, nil
}

// findProvider selects the provider instance for one dependency field.
// Explicit names match by name only; otherwise the first declared instance
// implementing the interface wins, excluding the owner itself. A nil result
// with a nil error means an optional dependency stays unresolved.
func findProvider(services []Service, byName map[string]Service, owner Service, dep ServiceDependency) (Service, error) {
	if dep.SatisfiesInterface == nil || dep.SatisfiesInterface.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: service %q", ErrDependencyNotIface, owner.Name())
	}

	var target Service
	if dep.Name != "" {
		if candidate, ok := byName[dep.Name]; ok && implementsInterface(candidate, dep.SatisfiesInterface) {
			target = candidate
		}
	} else {
		for _, candidate := range services {
			if candidate == owner {
				continue
			}
			if implementsInterface(candidate, dep.SatisfiesInterface) {
				target = candidate
				break
			}
		}
	}

	if target == nil && dep.Required {
		return nil, &DependencyNotFoundError{
			Service:   owner.Name(),
			Name:      dep.Name,
			Interface: dep.SatisfiesInterface.String(),
		}
	}
	return target, nil
}

// implementsInterface reports whether the service instance satisfies the
// interface, checking the pointer type as well as the pointed-to type.
func implementsInterface(svc Service, iface reflect.Type) bool {
	t := reflect.TypeOf(svc)
	if t == nil {
		return false
	}
	if t.Implements(iface) {
		return true
	}
	return t.Kind() == reflect.Ptr && t.Elem().Implements(iface)
}

// findCycle runs a depth-first search over ordering edges, tracking the
// active path, and returns the first cycle found as an ordered name list
// with the first and last entries equal. Nodes are visited in declaration
// order so the reported cycle is deterministic.
func findCycle(services []Service, edges map[string][]string) []string {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		if onPath[name] {
			// Close the loop: report from the first occurrence of
			// name on the active path through to name again.
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle = append(append([]string{}, path[start:]...), name)
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		onPath[name] = true
		path = append(path, name)
		for _, dep := range edges[name] {
			if visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		onPath[name] = false
		return false
	}

	for _, svc := range services {
		if visit(svc.Name()) {
			return cycle
		}
	}
	return nil
}

// sortServices produces the start order: every dependency strictly before
// its dependents, remaining ties broken by original declaration order. The
// graph is known to be acyclic at this point.
func sortServices(services []Service, edges map[string][]string) []Service {
	pending := make(map[string]int, len(services))
	for _, svc := range services {
		pending[svc.Name()] = len(edges[svc.Name()])
	}

	order := make([]Service, 0, len(services))
	emitted := make(map[string]bool, len(services))
	for len(order) < len(services) {
		progress := false
		for _, svc := range services {
			name := svc.Name()
			if emitted[name] || pending[name] > 0 {
				continue
			}
			order = append(order, svc)
			emitted[name] = true
			progress = true
			// Unblock dependents of the emitted service.
			for _, other := range services {
				if emitted[other.Name()] {
					continue
				}
				for _, dep := range edges[other.Name()] {
					if dep == name {
						pending[other.Name()]--
					}
				}
			}
			break
		}
		if !progress {
			// Unreachable after cycle detection; avoid spinning.
			for _, svc := range services {
				if !emitted[svc.Name()] {
					order = append(order, svc)
					emitted[svc.Name()] = true
				}
			}
		}
	}
	return order
}
