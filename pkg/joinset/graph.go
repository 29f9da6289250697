package joinset

// Connected reports whether instances form a single component over edges,
// treating every edge as undirected. Zero or one instance is connected.
func Connected(instances []TableInstance, edges []Edge) bool {
	if len(instances) <= 1 {
		return true
	}
	adj := make(map[string][]string, len(instances))
	for _, e := range edges {
		adj[e.LeftInstanceID] = append(adj[e.LeftInstanceID], e.RightInstanceID)
		adj[e.RightInstanceID] = append(adj[e.RightInstanceID], e.LeftInstanceID)
	}
	seen := map[string]bool{instances[0].InstanceID: true}
	stack := []string{instances[0].InstanceID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, nb := range adj[cur] {
			if !seen[nb] {
				seen[nb] = true
				stack = append(stack, nb)
			}
		}
	}
	for _, ti := range instances {
		if !seen[ti.InstanceID] {
			return false
		}
	}
	return true
}

// RootedConnected reports whether some instance reaches every other one when
// INNER edges are walked both ways and LEFT edges only from preserved to
// nullable side.
func RootedConnected(instances []TableInstance, edges []Edge) bool {
	if len(instances) <= 1 {
		return true
	}
	adj := make(map[string][]string, len(instances))
	for _, e := range edges {
		adj[e.LeftInstanceID] = append(adj[e.LeftInstanceID], e.RightInstanceID)
		if e.JoinType == Inner {
			adj[e.RightInstanceID] = append(adj[e.RightInstanceID], e.LeftInstanceID)
		}
	}
	for _, root := range instances {
		seen := map[string]bool{root.InstanceID: true}
		stack := []string{root.InstanceID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, nb := range adj[cur] {
				if !seen[nb] {
					seen[nb] = true
					stack = append(stack, nb)
				}
			}
		}
		all := true
		for _, ti := range instances {
			if !seen[ti.InstanceID] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// EdgesTouching returns the edges with instanceID on either side.
func EdgesTouching(edges []Edge, instanceID string) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Touches(instanceID) {
			out = append(out, e)
		}
	}
	return out
}
